package selection

import (
	"math/rand/v2"

	"tg-top-feed/internal/domain"
)

// Shuffler задаёт источник случайных перестановок.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

type globalShuffler struct{}

func (globalShuffler) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// Aggregate объединяет списки каналов в порядке конфигурации и равномерно перемешивает результат.
// Элементы не добавляются и не удаляются.
func Aggregate(perChannel [][]domain.ScoredMessage, shuffler Shuffler) domain.Selection {
	total := 0
	for _, items := range perChannel {
		total += len(items)
	}
	merged := make(domain.Selection, 0, total)
	for _, items := range perChannel {
		merged = append(merged, items...)
	}
	if shuffler == nil {
		shuffler = globalShuffler{}
	}
	shuffler.Shuffle(len(merged), func(i, j int) { merged[i], merged[j] = merged[j], merged[i] })
	return merged
}

package ranker

import (
	"sort"

	"tg-top-feed/internal/domain"
)

// Score оценивает сообщение по сигналам вовлечённости.
// forwards означает признак пересылки (0 или 1), а не количество.
func Score(views, forwards, replies int, canInteract bool) float64 {
	if !canInteract {
		return 0.6*float64(forwards) + 0.4*float64(views)
	}
	return 0.2*float64(views) + 0.3*float64(forwards) + 0.5*float64(replies)
}

// ScoreDetail оценивает сообщение. Флаг взаимодействия берётся из истории, а не из детали.
func ScoreDetail(raw domain.RawMessage, detail domain.MessageDetail) float64 {
	return Score(detail.Views, detail.ForwardPresence(), detail.Replies, raw.CanInteract)
}

// TopN сортирует сообщения по убыванию оценки и оставляет первые limit.
// Равные оценки сохраняют исходный порядок.
func TopN(items []domain.ScoredMessage, limit int) []domain.ScoredMessage {
	sorted := make([]domain.ScoredMessage, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

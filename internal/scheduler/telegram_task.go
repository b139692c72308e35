package scheduler

import (
	"encoding/json"

	badgerstore "github.com/ternarybob/retriever/internal/storage/badger"
)

// telegramTaskPayload is the join/ingest task body handed to the
// downstream messaging-platform collaborator (spec.md §6.3's "telegram"
// queue), identifying exactly which Item/promotion/identifier the task is
// for so the consumer can write its result back at the matching JSON path.
type telegramTaskPayload struct {
	ItemID          string `json:"item_id"`
	PromotionIndex  int    `json:"promotion_index"`
	IdentifierIndex int    `json:"identifier_index"`
	Identifier      string `json:"identifier"`
}

func marshalTelegramTask(p badgerstore.UnprocessedIdentifier) (json.RawMessage, error) {
	payload := telegramTaskPayload{
		ItemID:          p.ItemID,
		PromotionIndex:  p.PromotionIndex,
		IdentifierIndex: p.IdentifierIndex,
		Identifier:      p.Identifier,
	}
	return json.Marshal(payload)
}

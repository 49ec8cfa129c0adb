package api

import (
	"context"
	"net/http"

	"github.com/putto11262002/chatter/core"
)

// Conversations lists the conversations of the signed-in user.
func (c *Client) Conversations(ctx context.Context) ([]core.ConversationRecord, error) {
	var records []core.ConversationRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

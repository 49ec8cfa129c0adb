package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/putto11262002/chatter/core"
)

// Profile returns the signed-in user.
func (c *Client) Profile(ctx context.Context) (core.Participant, error) {
	var p core.Participant
	if err := c.do(ctx, http.MethodGet, "/api/v1/user", nil, &p); err != nil {
		return core.Participant{}, err
	}
	if p.ID == "" {
		return core.Participant{}, fmt.Errorf("profile: %w", core.ErrNoIdentity)
	}
	return p, nil
}

func (c *Client) Friendships(ctx context.Context) ([]core.FriendshipRecord, error) {
	var records []core.FriendshipRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/friendships", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

type RequestDirection string

const (
	Received RequestDirection = "receiver"
	Sent     RequestDirection = "sender"
)

const StatusWaiting = "waiting"

type FriendRequest struct {
	ID        core.FlexID       `json:"id"`
	Status    string            `json:"status"`
	Sender    *core.Participant `json:"sender,omitempty"`
	Receiver  *core.Participant `json:"receiver,omitempty"`
	CreatedAt core.EpochMillis  `json:"createdAt"`
}

type friendRequestsInput struct {
	Type   RequestDirection `json:"type" validate:"required,oneof=receiver sender"`
	Status string           `json:"status" validate:"required"`
}

// FriendRequests lists the requests the user received or sent with the given
// status.
func (c *Client) FriendRequests(ctx context.Context, direction RequestDirection, status string) ([]FriendRequest, error) {
	var requests []FriendRequest
	in := friendRequestsInput{Type: direction, Status: status}
	if err := c.do(ctx, http.MethodPost, "/api/v1/friend-requests", in, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

type createFriendRequestInput struct {
	FriendID int `json:"friendId" validate:"required,gt=0"`
}

func (c *Client) CreateFriendRequest(ctx context.Context, friendID int) error {
	return c.do(ctx, http.MethodPost, "/api/v1/friend-request/create", createFriendRequestInput{FriendID: friendID}, nil)
}

type manageFriendRequestInput struct {
	FriendRequestID int  `json:"friendRequestId" validate:"required,gt=0"`
	Status          bool `json:"status"`
}

// ManageFriendRequest accepts or refuses a received request.
func (c *Client) ManageFriendRequest(ctx context.Context, requestID int, accept bool) error {
	in := manageFriendRequestInput{FriendRequestID: requestID, Status: accept}
	return c.do(ctx, http.MethodPatch, "/api/v1/friend-request/manage", in, nil)
}

func (c *Client) CancelFriendRequest(ctx context.Context, requestID int) error {
	if requestID <= 0 {
		return fmt.Errorf("cancel friend request: invalid id %d", requestID)
	}
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/friend-request/%d", requestID), nil, nil)
}

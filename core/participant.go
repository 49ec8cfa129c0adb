package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultAvatar is shown for a participant without an image.
	DefaultAvatar Glyph = "👤"
	// DefaultGroupAvatar is shown for a group conversation without an image.
	DefaultGroupAvatar Glyph = "👥"
	// DefaultUsername is used when a record carries no display name.
	DefaultUsername = "Utilisateur"
)

// FlexID is an identifier that the backend sends either as a JSON string or
// as a JSON number. It is always held as a string so ids compare by value.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string {
	return string(id)
}

// Avatar is either a Glyph or an ImageRef.
type Avatar interface {
	isAvatar()
	String() string
}

// Glyph is a short text avatar, usually a single emoji.
type Glyph string

func (Glyph) isAvatar() {}

func (g Glyph) String() string { return string(g) }

// ImageRef points at an image resource.
type ImageRef struct {
	URI string `json:"uri"`
}

func (ImageRef) isAvatar() {}

func (r ImageRef) String() string { return r.URI }

// decodeAvatar resolves a raw avatar value. A JSON string is a glyph and an
// object with an uri is an image. Anything else yields fallback.
func decodeAvatar(raw json.RawMessage, fallback Avatar) Avatar {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return fallback
		}
		return Glyph(s)
	}
	var ref ImageRef
	if err := json.Unmarshal(raw, &ref); err == nil && ref.URI != "" {
		return ref
	}
	return fallback
}

// Participant is a user as seen by the chat layer.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   Avatar `json:"avatar,omitempty"`
}

// Friend is a participant with a confirmed friendship to the current identity.
type Friend = Participant

// participantRecord accepts both the plain and the underscore prefixed field
// names the backend uses for users.
type participantRecord struct {
	ID           FlexID          `json:"id"`
	AltID        FlexID          `json:"_id"`
	Username     string          `json:"username"`
	AltUsername  string          `json:"_username"`
	Email        string          `json:"email"`
	AltEmail     string          `json:"_email"`
	Thumbnail    string          `json:"thumbnail"`
	AltThumbnail string          `json:"_thumbnail"`
	Avatar       json.RawMessage `json:"avatar"`
}

func (p *Participant) UnmarshalJSON(b []byte) error {
	var rec participantRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode participant: %w", err)
	}
	p.ID = firstNonEmpty(rec.ID.String(), rec.AltID.String())
	p.Username = firstNonEmpty(rec.Username, rec.AltUsername)
	p.Email = firstNonEmpty(rec.Email, rec.AltEmail)
	if thumb := firstNonEmpty(rec.Thumbnail, rec.AltThumbnail); thumb != "" {
		p.Avatar = ImageRef{URI: thumb}
	} else {
		p.Avatar = decodeAvatar(rec.Avatar, nil)
	}
	return nil
}

// withDefaults fills the display fields a record may omit.
func (p Participant) withDefaults() Participant {
	if p.Username == "" {
		p.Username = DefaultUsername
	}
	if p.Avatar == nil {
		p.Avatar = DefaultAvatar
	}
	return p
}

// FriendshipRecord is one entry of the friendship list. Either side may be the
// current identity.
type FriendshipRecord struct {
	User   *Participant
	Friend *Participant
}

func (r *FriendshipRecord) UnmarshalJSON(b []byte) error {
	var rec struct {
		User      *Participant `json:"user"`
		AltUser   *Participant `json:"_user"`
		Friend    *Participant `json:"friend"`
		AltFriend *Participant `json:"_friend"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode friendship: %w", err)
	}
	r.User = rec.User
	if r.User == nil {
		r.User = rec.AltUser
	}
	r.Friend = rec.Friend
	if r.Friend == nil {
		r.Friend = rec.AltFriend
	}
	return nil
}

// ConversationRecord is a conversation as listed by the backend.
type ConversationRecord struct {
	ID           string
	Participants []Participant
	IsGroup      bool
	GroupName    string
	GroupAvatar  Avatar
	AdminID      string
	CreatedAt    EpochMillis
	UpdatedAt    EpochMillis
}

func (r *ConversationRecord) UnmarshalJSON(b []byte) error {
	var rec struct {
		ID           FlexID          `json:"id"`
		Token        string          `json:"token"`
		Participants []Participant   `json:"participants"`
		IsGroup      bool            `json:"isGroup"`
		GroupName    string          `json:"groupName"`
		GroupAvatar  json.RawMessage `json:"groupAvatar"`
		AdminID      FlexID          `json:"adminId"`
		CreatedAt    EpochMillis     `json:"createdAt"`
		UpdatedAt    EpochMillis     `json:"updatedAt"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}
	r.ID = firstNonEmpty(rec.ID.String(), rec.Token)
	r.Participants = rec.Participants
	r.IsGroup = rec.IsGroup
	r.GroupName = rec.GroupName
	r.GroupAvatar = decodeAvatar(rec.GroupAvatar, nil)
	r.AdminID = rec.AdminID.String()
	r.CreatedAt = rec.CreatedAt
	r.UpdatedAt = rec.UpdatedAt
	return nil
}

// EpochMillis is a timestamp in milliseconds since the unix epoch. It decodes
// from a JSON number or from an RFC 3339 date string. Values that cannot be
// read decode to zero.
type EpochMillis int64

func (t *EpochMillis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*t = 0
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		*t = parseTimestamp(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return nil
	}
	*t = EpochMillis(f)
	return nil
}

func (t EpochMillis) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// OrNow returns t, or the current time when t is unset.
func (t EpochMillis) OrNow(now time.Time) int64 {
	if t <= 0 {
		return now.UnixMilli()
	}
	return int64(t)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) EpochMillis {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return EpochMillis(ms)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return EpochMillis(ts.UnixMilli())
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

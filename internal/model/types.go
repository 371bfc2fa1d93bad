package model

import "time"

type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTutor, RoleAdmin:
		return true
	}
	return false
}

type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Credential is the access credential held by the session manager.
// RefreshToken is the renewal credential; an empty value means the session
// cannot be renewed.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Principal    Principal `json:"principal"`
}

type Conversation struct {
	ID                 string    `json:"id"`
	CounterpartID      string    `json:"counterpartId"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

type DeliveryState int

const (
	// Sent is the zero value: anything that came from the server is sent.
	Sent DeliveryState = iota
	Pending
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "sent"
	}
}

type Message struct {
	ID             string    `json:"id"`
	CorrelationID  string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Body           string    `json:"text"`
	AttachmentURL  string    `json:"imageUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	IsDeleted      bool      `json:"isDeleted"`
	IsRead         bool      `json:"isRead"`

	State DeliveryState `json:"-"`
}

// Preview is the text shown in conversation lists.
func (m Message) Preview() string {
	if m.IsDeleted {
		return "This message was deleted"
	}
	if m.Body == "" && m.AttachmentURL != "" {
		return "[image]"
	}
	return m.Body
}

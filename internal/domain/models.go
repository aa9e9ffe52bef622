// Package domain defines the persistence models for notification templates,
// queue items, user preferences, conversations, messages, and knowledge
// articles. These types are mapped with GORM and form the core data layer
// of the communications backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Channel identifies a delivery medium with its own sender and rate
// characteristics.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
	ChannelSMS   Channel = "sms"
)

// AllChannels lists every supported delivery channel.
var AllChannels = []Channel{ChannelEmail, ChannelPush, ChannelInApp, ChannelSMS}

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPush, ChannelInApp, ChannelSMS:
		return true
	}
	return false
}

// SupportsReadTracking reports whether delivered items on this channel can
// transition to the read status. Only in-app and push delivery expose a
// read receipt.
func (c Channel) SupportsReadTracking() bool {
	return c == ChannelInApp || c == ChannelPush
}

// NotificationStatus is the lifecycle state of a queue item.
//
// Transitions are monotonic: pending→sent, pending→failed (terminal once
// retries are exhausted or the failure is permanent), pending→suppressed
// (preference gate), and sent→read for read-capable channels only.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"
	NotificationSent       NotificationStatus = "sent"
	NotificationFailed     NotificationStatus = "failed"
	NotificationRead       NotificationStatus = "read"
	NotificationSuppressed NotificationStatus = "suppressed"
)

// Terminal reports whether no further automatic transition can occur.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationFailed || s == NotificationRead || s == NotificationSuppressed
}

// NotificationTemplate is a named message template for one channel.
// Templates are looked up by (name, channel); an inactive template is never
// selected for new enqueues, but historical queue items that referenced it
// keep their already-rendered content.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name: template identity, unique per channel.
//   - Channel: delivery channel the template renders for.
//   - Subject: optional subject template (email/push only).
//   - Body: body template with {{variable}} placeholders.
//   - Variables: comma-separated declared variable names; every declared
//     variable must be bound at enqueue time.
//   - Active: whether the template is selectable for new enqueues.
type NotificationTemplate struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	Name      string         `json:"name"      gorm:"type:varchar(128);not null;uniqueIndex:ux_template_name_channel,priority:1"`
	Channel   Channel        `json:"channel"   gorm:"type:varchar(16);not null;uniqueIndex:ux_template_name_channel,priority:2;check:channel IN ('email','push','in_app','sms')"`
	Subject   string         `json:"subject"   gorm:"type:varchar(255)"`
	Body      string         `json:"body"      gorm:"type:text;not null"`
	Variables string         `json:"variables" gorm:"type:text"`
	Active    bool           `json:"active"    gorm:"not null;default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`
}

// TableName returns the database table name for NotificationTemplate.
func (NotificationTemplate) TableName() string { return "notification_templates" }

// NotificationItem is one unit of deliverable work in the queue. Subject and
// content are rendered once at enqueue time and never re-rendered on retry,
// so retried sends cannot pick up stale variable data.
//
// Claim semantics: a worker obtains exclusive ownership by atomically setting
// ClaimedAt on a pending row whose lease is empty or expired. The lease
// expires after a configured claim timeout so items stranded by a crashed
// worker become reclaimable.
type NotificationItem struct {
	ID           string             `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string             `json:"user_id"       gorm:"type:varchar(64);not null;index:idx_items_user"`
	TemplateID   string             `json:"template_id"   gorm:"type:char(36);not null;index"`
	TemplateName string             `json:"template_name" gorm:"type:varchar(128);not null"`
	Channel      Channel            `json:"channel"       gorm:"type:varchar(16);not null;index:idx_items_claim,priority:1"`
	Subject      string             `json:"subject"       gorm:"type:varchar(255)"`
	Content      string             `json:"content"       gorm:"type:text;not null"`
	Status       NotificationStatus `json:"status"        gorm:"type:varchar(16);not null;default:'pending';index:idx_items_claim,priority:2"`
	Priority     int                `json:"priority"      gorm:"not null;default:3;check:priority BETWEEN 1 AND 5"`
	ScheduledFor time.Time          `json:"scheduled_for" gorm:"not null;index:idx_items_claim,priority:3"`
	ClaimedAt    *time.Time         `json:"-"             gorm:"index"`
	SentAt       *time.Time         `json:"sent_at,omitempty"`
	ReadAt       *time.Time         `json:"read_at,omitempty"`
	LastError    string             `json:"last_error,omitempty" gorm:"type:text"`
	RetryCount   int                `json:"retry_count"   gorm:"not null;default:0"`
	MaxRetries   int                `json:"max_retries"   gorm:"not null;default:3"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`

	// Template is the referenced template definition; retained for audit even
	// after the template is deactivated.
	Template NotificationTemplate `json:"-" gorm:"foreignKey:TemplateID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for NotificationItem.
func (NotificationItem) TableName() string { return "notification_items" }

// UserNotificationPreference stores per-user per-channel opt-in and an
// optional quiet-hours window in the user's stored timezone. Rows are created
// with defaults on first reference and mutated only by explicit user action.
type UserNotificationPreference struct {
	ID              string         `json:"id"      gorm:"type:char(36);primaryKey"`
	UserID          string         `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	EmailEnabled    bool           `json:"email_enabled"  gorm:"not null;default:true"`
	PushEnabled     bool           `json:"push_enabled"   gorm:"not null;default:true"`
	InAppEnabled    bool           `json:"in_app_enabled" gorm:"not null;default:true"`
	SMSEnabled      bool           `json:"sms_enabled"    gorm:"not null;default:true"`
	QuietHoursStart string         `json:"quiet_hours_start,omitempty" gorm:"type:varchar(5)"` // "22:00"
	QuietHoursEnd   string         `json:"quiet_hours_end,omitempty"   gorm:"type:varchar(5)"` // "07:00"
	Timezone        string         `json:"timezone" gorm:"type:varchar(64);not null;default:'UTC'"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for UserNotificationPreference.
func (UserNotificationPreference) TableName() string { return "user_notification_preferences" }

// ChannelEnabled reports the opt-in flag for the given channel. Unknown
// channels are treated as disabled.
func (p UserNotificationPreference) ChannelEnabled(c Channel) bool {
	switch c {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelPush:
		return p.PushEnabled
	case ChannelInApp:
		return p.InAppEnabled
	case ChannelSMS:
		return p.SMSEnabled
	}
	return false
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationEscalated ConversationStatus = "escalated"
	ConversationResolved  ConversationStatus = "resolved"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// Terminal reports whether the conversation can no longer change state.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationResolved || s == ConversationAbandoned
}

// Role identifies the initiator of a conversation. The special role
// "anonymous" is also the universal audience fallback for knowledge articles.
type Role string

const (
	RoleAnonymous  Role = "anonymous"
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAnonymous, RoleStudent, RoleInstructor, RoleAdmin:
		return true
	}
	return false
}

// Conversation is one assistant session. It owns its messages (cascade
// lifecycle) and records escalation history.
//
// Invariants:
//   - EndedAt is set if and only if Status is resolved or abandoned.
//   - The escalation fields are set exactly once, when the conversation first
//     escalates, and are never cleared — Status may later become resolved
//     while the record persists as history.
type Conversation struct {
	ID               string             `json:"id"      gorm:"type:char(36);primaryKey"`
	UserID           string             `json:"user_id,omitempty" gorm:"type:varchar(64);index:idx_user_conversations"`
	Role             Role               `json:"role"    gorm:"type:varchar(16);not null;check:role IN ('anonymous','student','instructor','admin')"`
	Status           ConversationStatus `json:"status"  gorm:"type:varchar(16);not null;default:'active';index"`
	Context          string             `json:"context,omitempty" gorm:"type:text"` // current page/course/locale
	Language         string             `json:"language" gorm:"type:varchar(8);not null;default:'en'"`
	MessageCount     int                `json:"message_count" gorm:"not null;default:0"`
	FallbackStreak   int                `json:"-" gorm:"not null;default:0"`
	StartedAt        time.Time          `json:"started_at"`
	LastActivityAt   time.Time          `json:"last_activity_at" gorm:"index"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	EscalatedAt      *time.Time         `json:"escalated_at,omitempty"`
	EscalationReason string             `json:"escalation_reason,omitempty" gorm:"type:varchar(255)"`
	AssignedAgentID  string             `json:"assigned_agent_id,omitempty" gorm:"type:varchar(64)"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Escalated reports whether the conversation has ever escalated.
func (c Conversation) Escalated() bool { return c.EscalatedAt != nil }

// Sender identifies the author of a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
	SenderAgent  Sender = "agent"
)

// Message is a single utterance within a conversation. Messages are
// append-only and strictly ordered by timestamp within their conversation;
// a message is never edited after creation.
//
// Bot messages may carry the detected intent and its confidence. Users may
// later attach a helpful/not-helpful rating.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Sender         Sender    `json:"sender"          gorm:"type:varchar(16);not null;check:sender IN ('user','bot','system','agent')"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	Intent         string    `json:"intent,omitempty"     gorm:"type:varchar(64)"`
	Confidence     *float64  `json:"confidence,omitempty"`
	ArticleID      string    `json:"article_id,omitempty" gorm:"type:char(36);index"`
	Helpful        *bool     `json:"helpful,omitempty"`
	CreatedAt      time.Time `json:"created_at" gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Conversation is the parent session. Messages are cascade-deleted if
	// their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ArticleStatus is the publication state of a knowledge article. Only
// published articles are eligible for retrieval by the conversation engine.
type ArticleStatus string

const (
	ArticleDraft     ArticleStatus = "draft"
	ArticlePublished ArticleStatus = "published"
	ArticleArchived  ArticleStatus = "archived"
)

// KnowledgeArticle is a searchable help article. Tags, keywords, intent
// triggers, and target roles are stored as comma-separated sets (SQLite has
// no native array type); the repo layer splits them.
//
// The view/helpful/not-helpful counters are monotonically non-decreasing and
// flushed outside the read transaction — eventually consistent by design.
type KnowledgeArticle struct {
	ID              string         `json:"id"    gorm:"type:char(36);primaryKey"`
	Slug            string         `json:"slug"  gorm:"type:varchar(160);not null;uniqueIndex"`
	Title           string         `json:"title" gorm:"type:varchar(255);not null"`
	Summary         string         `json:"summary" gorm:"type:text"`
	Body            string         `json:"body"  gorm:"type:text;not null"`
	Category        string         `json:"category"    gorm:"type:varchar(64);index"`
	Subcategory     string         `json:"subcategory,omitempty" gorm:"type:varchar(64)"`
	Tags            string         `json:"tags"        gorm:"type:text"`
	Keywords        string         `json:"keywords"    gorm:"type:text"`
	IntentTriggers  string         `json:"intent_triggers" gorm:"type:text"`
	TargetRoles     string         `json:"target_roles"    gorm:"type:text"`
	Language        string         `json:"language" gorm:"type:varchar(8);not null;default:'en';index"`
	Status          ArticleStatus  `json:"status"   gorm:"type:varchar(16);not null;default:'draft';index;check:status IN ('draft','published','archived')"`
	ViewCount       int64          `json:"view_count"        gorm:"not null;default:0"`
	HelpfulCount    int64          `json:"helpful_count"     gorm:"not null;default:0"`
	NotHelpfulCount int64          `json:"not_helpful_count" gorm:"not null;default:0"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for KnowledgeArticle.
func (KnowledgeArticle) TableName() string { return "knowledge_articles" }

// HelpfulRatio returns helpful/(helpful+not_helpful), or 0 when unrated.
// Used as a ranking tie-break in search.
func (a KnowledgeArticle) HelpfulRatio() float64 {
	total := a.HelpfulCount + a.NotHelpfulCount
	if total == 0 {
		return 0
	}
	return float64(a.HelpfulCount) / float64(total)
}

// Suggestion is a contextual prompt offered to users before or during a
// conversation, filtered by role and ordered by weight.
type Suggestion struct {
	ID        string         `json:"id"   gorm:"type:char(36);primaryKey"`
	Text      string         `json:"text" gorm:"type:varchar(255);not null"`
	Role      Role           `json:"role" gorm:"type:varchar(16);not null;index"`
	Context   string         `json:"context,omitempty" gorm:"type:varchar(128);index"` // page/course scope, empty = global
	Weight    int            `json:"weight" gorm:"not null;default:0"`
	Active    bool           `json:"active" gorm:"not null;default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Suggestion.
func (Suggestion) TableName() string { return "suggestions" }

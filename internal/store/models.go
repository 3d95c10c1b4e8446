package store

import "time"

// Message status values. sent and failed are terminal.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusBounced    = "bounced"
)

// Domain is a local sending domain.
type Domain struct {
	ID             int64
	Name           string
	IsActive       bool
	DKIMSelector   string
	DKIMPrivateKey string // PKCS#8 PEM
	DKIMPublicKey  string // DNS TXT form
	DMARCPolicy    string // none, quarantine, reject
	CreatedAt      time.Time
}

// User is an authenticated sender.
type User struct {
	ID                 int64
	DomainID           int64
	Username           string
	Email              string
	PasswordHash       string
	CRAMSecret         string // plaintext-equivalent secret for CRAM-MD5, empty if unset
	MessageQuota       int
	MessagesSentToday  int
	StorageQuota       int64
	IsActive           bool
	LastLogin          time.Time
	FailedAuthAttempts int
	LastFailedAuth     time.Time
}

// Message is one submitted email.
type Message struct {
	ID          int64
	MessageID   string // RFC-style <uuid@host>
	MailFrom    string
	RcptTo      []string
	Subject     string
	Headers     map[string]string
	BodyText    string
	BodyHTML    string
	RawMessage  []byte // exact bytes as accepted, never mutated
	Size        int64
	Status      string
	Attempts    int
	LastAttempt time.Time
	NextRetry   time.Time
	SPFResult   string
	DKIMResult  string
	DMARCResult string
	DeliveredAt time.Time
	RemoteIP    string
	SenderID    int64 // 0 when unauthenticated
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryAttempt records one (message, target host) try. Append-only.
type DeliveryAttempt struct {
	ID             int64
	MessageID      int64
	AttemptNumber  int
	MXHostname     string
	RemoteIP       string
	StatusCode     int
	Response       string
	ErrorMessage   string
	Success        bool
	ConnectionTime float64 // seconds
	DeliveryTime   float64 // seconds
	TLSVersion     string
	CipherSuite    string
	AttemptedAt    time.Time
}

// Connection records one inbound TCP session.
type Connection struct {
	ID                int64
	RemoteIP          string
	RemotePort        int
	HELOHostname      string
	Protocol          string // SMTP, ESMTP
	TLSEnabled        bool
	Authenticated     bool
	AuthenticatedUser string
	MessagesSent      int
	BytesReceived     int64
	CommandsReceived  int
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// AuthenticationLog is an append-only record of one auth attempt.
type AuthenticationLog struct {
	ID            int64
	Username      string
	AuthMethod    string // PLAIN, LOGIN, CRAM-MD5
	Success       bool
	FailureReason string
	RemoteIP      string
	UserID        int64
	AttemptedAt   time.Time
}

// BlacklistEntry is a typed block entry with optional expiry.
type BlacklistEntry struct {
	ID        int64
	EntryType string // ip, domain, email
	Value     string
	Reason    string
	ExpiresAt time.Time
	AddedAt   time.Time
	AddedBy   string
}

// SpamScore records the result of the spam rule engine for one message.
type SpamScore struct {
	ID             int64
	MessageID      string
	TotalScore     float64
	SpamThreshold  float64
	IsSpam         bool
	Scores         map[string]float64
	RulesTriggered []string
	CheckedAt      time.Time
}

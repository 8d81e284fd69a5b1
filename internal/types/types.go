package types

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Actor is the row-level representation of an account: its DID, credentials,
// repo head pointer, and the session/lifecycle state that hangs off it.
// It is stored as a single JSON blob keyed by DID; fields that need a
// secondary lookup (handle, email, host) are indexed separately by the
// account store.
type Actor struct {
	Did          string `json:"did"`
	Handle       string `json:"handle"`
	Email        string `json:"email"`
	PasswordHash []byte `json:"password_hash"`
	PdsHost      string `json:"pds_host"`

	// SigningKey is the raw K256 private key bytes used to sign repo commits.
	SigningKey []byte `json:"signing_key"`

	// RotationKeys are the raw private/public key bytes registered with PLC
	// for account recovery. Only the first entry is ours; any others were
	// added via recovery.
	RotationKeys [][]byte `json:"rotation_keys"`

	// Head and Rev track the repo's current commit CID (string form) and TID
	// rev. Both are empty until the repo has been initialized.
	Head string `json:"head"`
	Rev  string `json:"rev"`

	CreatedAt *timestamppb.Timestamp `json:"created_at"`

	// Status mirrors the account lifecycle: "", "deactivated", "takendown", "suspended".
	Status         string                  `json:"status,omitempty"`
	Active         bool                    `json:"active"`
	DeactivatedAt  *timestamppb.Timestamp  `json:"deactivated_at,omitempty"`
	TakedownRef    string                  `json:"takedown_ref,omitempty"`
	DeleteAfter    *timestamppb.Timestamp  `json:"delete_after,omitempty"`

	EmailConfirmed        bool   `json:"email_confirmed"`
	EmailVerificationCode string `json:"email_verification_code,omitempty"`

	RefreshTokens []*RefreshToken `json:"refresh_tokens,omitempty"`
	AppPasswords  []*AppPassword  `json:"app_passwords,omitempty"`

	// Preferences is the raw app.bsky.actor preferences blob, stored opaque.
	Preferences []byte `json:"preferences,omitempty"`
}

// RefreshToken tracks one outstanding refresh token (by JTI) for an actor.
// NextID is set once the token has been exchanged, to detect replay of an
// already-rotated token; AppPasswordName is set when the session was created
// using an app password rather than the account password.
type RefreshToken struct {
	ID              string                  `json:"id"`
	Token           string                  `json:"token"`
	CreatedAt       *timestamppb.Timestamp  `json:"created_at"`
	ExpiresAt       *timestamppb.Timestamp  `json:"expires_at"`
	NextID          string                  `json:"next_id,omitempty"`
	AppPasswordName string                  `json:"app_password_name,omitempty"`
}

// AppPassword is an additional bcrypt-hashed credential scoped to a name,
// optionally privileged (able to mint service-auth tokens for admin scopes).
type AppPassword struct {
	Name         string                 `json:"name"`
	PasswordHash []byte                 `json:"password_hash"`
	CreatedAt    *timestamppb.Timestamp `json:"created_at"`
	Privileged   bool                   `json:"privileged"`
}

// EmailToken is a single-use code tied to a DID and a purpose, used to
// confirm an email address, authorize a password reset, or authorize an
// email change.
type EmailToken struct {
	Purpose   string                 `json:"purpose"`
	Did       string                 `json:"did"`
	Token     string                 `json:"token"`
	CreatedAt *timestamppb.Timestamp `json:"created_at"`
}

const (
	EmailTokenPurposeConfirmEmail   = "confirm_email"
	EmailTokenPurposeResetPassword  = "reset_password"
	EmailTokenPurposeUpdateEmail    = "update_email"
	EmailTokenPurposeDeleteAccount  = "delete_account"
)

// Account lifecycle statuses. An empty Status with Active=true means the
// account is in good standing.
const (
	AccountStatusDeactivated = "deactivated"
	AccountStatusTakendown   = "takendown"
	AccountStatusSuspended   = "suspended"
	AccountStatusDeleted     = "deleted"
)

// InviteCode gates account creation when invite_required is enabled.
type InviteCode struct {
	Code          string        `json:"code"`
	AvailableUses int           `json:"available_uses"`
	Disabled      bool          `json:"disabled"`
	ForAccount    string        `json:"for_account,omitempty"`
	CreatedBy     string        `json:"created_by"`
	CreatedAt     *timestamppb.Timestamp `json:"created_at"`
	Uses          []*InviteCodeUse `json:"uses,omitempty"`
}

type InviteCodeUse struct {
	UsedBy string                 `json:"used_by"`
	UsedAt *timestamppb.Timestamp `json:"used_at"`
}

// Blob is the metadata row for an uploaded blob; the bytes themselves live
// in the configured S3-compatible bucket. Cid is the canonical string form
// of the raw-codec CID of the bytes, which is also the row's sort key and
// the cursor unit for listBlobs.
type Blob struct {
	Did       string                 `json:"did"`
	Cid       string                 `json:"cid"`
	MimeType  string                 `json:"mime_type"`
	Size      int64                  `json:"size"`
	CreatedAt *timestamppb.Timestamp `json:"created_at"`
}

// Record is the row-level representation of a single repo record: its
// location (did/collection/rkey), its content-addressed CID, and the
// DAG-CBOR-encoded value bytes.
type Record struct {
	Did        string                 `json:"did"`
	Collection string                 `json:"collection"`
	Rkey       string                 `json:"rkey"`
	Cid        string                 `json:"cid"`
	Value      []byte                 `json:"value"`
	CreatedAt  *timestamppb.Timestamp `json:"created_at"`
}

// EventType distinguishes the three kinds of frames broadcast over the
// firehose: ordinary repo commits, identity changes, and account status
// changes.
type EventType int32

const (
	EventType_EVENT_TYPE_UNSPECIFIED EventType = 0
	EventType_EVENT_TYPE_COMMIT      EventType = 1
	EventType_EVENT_TYPE_IDENTITY    EventType = 2
	EventType_EVENT_TYPE_ACCOUNT     EventType = 3
)

// RepoOp is a single create/update/delete performed within one commit.
type RepoOp struct {
	Action string `json:"action"`
	Path   string `json:"path"`
	Cid    []byte `json:"cid,omitempty"`
	Prev   []byte `json:"prev,omitempty"`
}

// RepoEvent is a persisted, sequenced firehose frame. Seq is zero when the
// event is constructed by a mutation: the store assigns it at commit time
// (the key's versionstamp), and readers fill the field back in from the key
// when they load the event.
type RepoEvent struct {
	Seq       int64                  `json:"seq"`
	PdsHost   string                 `json:"pds_host"`
	EventType EventType              `json:"event_type"`
	Repo      string                 `json:"repo"`
	Rev       string                 `json:"rev,omitempty"`
	Since     string                 `json:"since,omitempty"`
	Commit    []byte                 `json:"commit,omitempty"`
	Blocks    []byte                 `json:"blocks,omitempty"`
	Ops       []*RepoOp              `json:"ops,omitempty"`
	TooBig    bool                   `json:"too_big,omitempty"`
	Handle    string                 `json:"handle,omitempty"`
	Active    bool                   `json:"active,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Time      *timestamppb.Timestamp `json:"time"`
}

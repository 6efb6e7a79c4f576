package domain

// Role distinguishes the two kinds of participants in a therapy session.
type Role string

const (
	RoleUser      Role = "user"
	RoleTherapist Role = "therapist"
)

// Participant is an authenticated actor. ID is the already-verified stable
// identifier: the phone-verified user id for users, the wallet address for
// therapists. Identity issuance happens outside this service.
type Participant struct {
	ID            string `json:"id"`
	Role          Role   `json:"role"`
	DID           string `json:"did,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

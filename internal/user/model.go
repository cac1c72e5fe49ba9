package user

// User is the directory's view of an account: identity plus the
// uploaded public half of the identity key pair. Accounts themselves are
// owned by the external auth system; rows here are provisioned lazily on
// first key upload.
type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey,omitempty"`
}

type UploadKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

package xid

import "github.com/google/uuid"

// New returns a prefixed random identifier such as "tx-1b4e28ba-2fa1-11d2-883f-0016d3cca427".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Invoice returns a bare UUID shared by every line of one checkout.
func Invoice() string {
	return uuid.NewString()
}

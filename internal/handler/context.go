package handler

import (
	"openbudget/internal/ledger"

	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware.
const (
	ContextSigner = "signer"
	ContextRole   = "role"
)

func signerFrom(c *gin.Context) (ledger.Pubkey, bool) {
	v, ok := c.Get(ContextSigner)
	if !ok {
		return ledger.Pubkey{}, false
	}
	k, ok := v.(ledger.Pubkey)
	return k, ok
}

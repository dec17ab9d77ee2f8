package ledger

// InitializePlatform builds the singleton registry for caller. The host
// runtime guarantees the registry address was empty.
func InitializePlatform(caller Pubkey) *PlatformRegistry {
	return &PlatformRegistry{
		Admin:        caller,
		ProjectCount: 0,
	}
}

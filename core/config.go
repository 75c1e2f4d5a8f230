package core

type Config struct {
	// Token configuration
	JWTSecret     string // Secret key for signing ballot tokens
	TokenDuration int    // Ballot token lifetime in seconds (minutes-scale)

	// Derivation keys
	IdentitySalt string // Salt for identity and voter hashes
	ReceiptKey   string // Key for receipt derivation

	// Admission configuration
	ElectionCacheTTL   int // Election descriptor cache TTL in seconds
	PartitionTimeoutMS int // Per-attempt deadline for a partition write
	PartitionRetries   int // Conditional-write retries before ShardUnavailable
}

// Normalize fills unset tuning knobs with safe defaults.
func (c *Config) Normalize() {
	if c.TokenDuration <= 0 {
		c.TokenDuration = 300
	}
	if c.ElectionCacheTTL <= 0 {
		c.ElectionCacheTTL = 5
	}
	if c.PartitionTimeoutMS <= 0 {
		c.PartitionTimeoutMS = 2000
	}
	if c.PartitionRetries <= 0 {
		c.PartitionRetries = 3
	}
}

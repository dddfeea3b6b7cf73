package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	// RPC URLs routinely embed a provider key in the path.
	redact(&out.Chain.RPCURL)
	redact(&out.Redis.Password)
	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Chain.Contracts != nil {
		out.Chain.Contracts = append([]ContractConfig(nil), cfg.Chain.Contracts...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Stats.Decimals != nil {
		out.Stats.Decimals = maps.Clone(cfg.Stats.Decimals)
	}
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

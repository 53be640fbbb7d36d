// Package credentials resolves provider API keys with a three-tier
// fallback: a vendor-specific environment variable, then a generic
// PIDGIN_<VENDOR>_KEY override, then a dotenv-style credentials file.
// Local and silent providers need no key and never enter this chain.
package credentials

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Vendor names a provider family for credential lookup.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
	VendorGoogle    Vendor = "google"
	VendorBedrock   Vendor = "bedrock"
)

// vendorEnvVar is the vendor-specific environment variable checked
// before the generic PIDGIN_<VENDOR>_KEY fallback.
var vendorEnvVar = map[Vendor]string{
	VendorAnthropic: "ANTHROPIC_API_KEY",
	VendorOpenAI:    "OPENAI_API_KEY",
	VendorGoogle:    "GOOGLE_API_KEY",
	VendorBedrock:   "AWS_ACCESS_KEY_ID",
}

// MissingError reports a vendor whose key could not be resolved by any
// tier, naming every place the caller could have set it.
type MissingError struct {
	Vendor Vendor
}

func (e *MissingError) Error() string {
	return fmt.Sprintf(
		"credentials: missing API key for %s provider\n\nset one of:\n  export %s=...\n  export PIDGIN_%s_KEY=...\n  add %s= to your credentials file",
		e.Vendor, vendorEnvVar[e.Vendor], strings.ToUpper(string(e.Vendor)), vendorEnvVar[e.Vendor],
	)
}

// Resolver resolves vendor API keys against the environment and an
// optional dotenv-style credentials file.
type Resolver struct {
	lookup func(string) (string, bool)
	file   map[string]string
}

// NewResolver builds a Resolver reading from the real process
// environment, plus credentialsFile if non-empty and present (a
// missing file is not an error — the file tier is optional).
func NewResolver(credentialsFile string) (*Resolver, error) {
	r := &Resolver{lookup: os.LookupEnv}
	if credentialsFile == "" {
		return r, nil
	}
	f, err := os.Open(credentialsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("credentials: open %s: %w", credentialsFile, err)
	}
	defer f.Close()

	values, err := parseDotenv(f)
	if err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", credentialsFile, err)
	}
	r.file = values
	return r, nil
}

func parseDotenv(f *os.File) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// Resolve returns vendor's API key, checking the vendor-specific
// environment variable, then PIDGIN_<VENDOR>_KEY, then the credentials
// file, in that order. The local and silent providers never need a
// key and are not represented in Vendor, so they never call Resolve.
func (r *Resolver) Resolve(vendor Vendor) (string, error) {
	envVar, ok := vendorEnvVar[vendor]
	if !ok {
		envVar = strings.ToUpper(string(vendor)) + "_API_KEY"
	}
	if key, ok := r.lookup(envVar); ok && key != "" {
		return key, nil
	}

	generic := "PIDGIN_" + strings.ToUpper(string(vendor)) + "_KEY"
	if key, ok := r.lookup(generic); ok && key != "" {
		return key, nil
	}

	if key, ok := r.file[envVar]; ok && key != "" {
		return key, nil
	}
	if key, ok := r.file[generic]; ok && key != "" {
		return key, nil
	}

	return "", &MissingError{Vendor: vendor}
}

// ValidateRequired resolves every vendor in vendors and returns every
// MissingError encountered, so a preflight check can report all missing
// keys at once rather than failing on the first.
func (r *Resolver) ValidateRequired(vendors []Vendor) []error {
	var errs []error
	for _, v := range vendors {
		if _, err := r.Resolve(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

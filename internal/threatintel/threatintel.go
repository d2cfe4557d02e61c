// Package threatintel implements the reputation engine: cache-first
// lookups of IP, device, card BIN, and email reputation against an
// external feed, degrading to neutral signals when the feed is slow or
// down.
package threatintel

// Keys identifies the reputation lookups for one transaction.
type Keys struct {
	IP                string
	DeviceFingerprint string
	CardBIN           string
	Email             string
}

// IPReputation is the feed's view of one IP address.
type IPReputation struct {
	Score     float64 `json:"score"` // [0,1], higher is worse
	IsProxy   bool    `json:"is_proxy"`
	IsTor     bool    `json:"is_tor"`
	IsHosting bool    `json:"is_hosting"` // datacenter / cloud provider range
	Country   string  `json:"country"`
}

// DeviceReputation is the feed's view of one device fingerprint.
type DeviceReputation struct {
	Score         float64 `json:"score"` // [0,1], higher is worse
	SeenFraud     bool    `json:"seen_fraud"`
	FirstSeenDays int     `json:"first_seen_days"`
}

// BINReputation is the feed's view of one card BIN range.
type BINReputation struct {
	Score         float64 `json:"score"` // [0,1], higher is worse
	Prepaid       bool    `json:"prepaid"`
	IssuerCountry string  `json:"issuer_country"`
}

// EmailReputation is the feed's view of one email address.
type EmailReputation struct {
	Score         float64 `json:"score"` // [0,1], higher is worse
	Disposable    bool    `json:"disposable"`
	DomainAgeDays int     `json:"domain_age_days"`
}

// Report is the reputation engine's output for one transaction.
type Report struct {
	Score    float64 `json:"score"` // combined [0,1], higher is worse
	IP       *IPReputation
	Device   *DeviceReputation
	BIN      *BINReputation
	Email    *EmailReputation
	Degraded bool // feed unavailable, served from neutral defaults
	Cached   bool // every component came from cache
}

// neutralReport is what the engine returns when nothing is known. A
// neutral score of zero means "no adverse intelligence", not "safe".
func neutralReport() *Report {
	return &Report{Score: 0, Degraded: true}
}

package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is one of the ordered fetch strategies, cheapest first.
type Tier int

// Fetch tiers.
const (
	TierStatic Tier = iota
	TierHeadless
	TierStealth
)

// TierCount is the number of fetch tiers.
const TierCount = 3

func (t Tier) String() string {
	switch t {
	case TierStatic:
		return "static"
	case TierHeadless:
		return "headless"
	case TierStealth:
		return "stealth"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	return t >= TierStatic && t <= TierStealth
}

// Browser reports whether the tier drives a real browser.
func (t Tier) Browser() bool {
	return t == TierHeadless || t == TierStealth
}

// Next returns the tier to escalate to. The last tier escalates to itself.
func (t Tier) Next() Tier {
	if t >= TierStealth {
		return TierStealth
	}
	return t + 1
}

// ParseTier accepts tier names, their aliases or numeric indices.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "static", "scrapy", "http":
		return TierStatic, nil
	case "1", "headless", "browser", "playwright":
		return TierHeadless, nil
	case "2", "stealth", "puppeteer":
		return TierStealth, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", raw)
	}
}

// MarshalJSON encodes the tier by name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts names or numbers.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var n int
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("decode tier: %w", err)
		}
		name = fmt.Sprint(n)
	}
	parsed, err := ParseTier(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

package rules

// DefaultRules returns the starter rule set used when no database is
// configured. These mirror the first rules a new deployment would push
// through the admin API.
func DefaultRules() []DetectionRule {
	return []DetectionRule{
		{
			ID:         "velocity-card-burst",
			Name:       "Card velocity burst",
			Category:   CategoryVelocity,
			Expression: `velocity.card_5m >= 5`,
			Score:      35,
			Action:     ActionScore,
			Priority:   90,
			Active:     true,
		},
		{
			ID:         "velocity-device-hour",
			Name:       "Device transaction flood",
			Category:   CategoryVelocity,
			Expression: `velocity.device_1h >= 20`,
			Score:      45,
			Action:     ActionScore,
			Priority:   85,
			Active:     true,
		},
		{
			ID:          "amount-spike",
			Name:        "Amount far above customer average",
			Description: "Transaction amount is more than 10x the trailing average for this customer",
			Category:    CategoryAmount,
			Expression:  `tx.amount > 0.0 && session.avg_amount > 0.0 && tx.amount > session.avg_amount * 10.0`,
			Score:       30,
			Action:      ActionScore,
			Priority:    70,
			Active:      true,
		},
		{
			ID:         "amount-micro-probe",
			Name:       "Micro-amount card testing",
			Category:   CategoryAmount,
			Expression: `tx.amount < 1.0 && velocity.card_5m >= 3`,
			Score:      50,
			Action:     ActionScore,
			Priority:   75,
			Active:     true,
		},
		{
			ID:          "geo-country-mismatch",
			Name:        "Billing country differs from IP country",
			Category:    CategoryGeo,
			Expression:  `geo.ip_country != "" && tx.billing_country != "" && geo.ip_country != tx.billing_country`,
			Score:       25,
			Action:      ActionScore,
			Priority:    60,
			Active:      true,
		},
		{
			ID:          "geo-impossible-travel",
			Name:        "Impossible travel",
			Description: "Same customer seen from a distant country within the last hour",
			Category:    CategoryGeo,
			Expression:  `session.distinct_countries_1h >= 2`,
			Score:       55,
			Action:      ActionScore,
			Priority:    80,
			Active:      true,
		},
		{
			ID:         "device-new-high-amount",
			Name:       "First-seen device with large amount",
			Category:   CategoryDevice,
			Expression: `session.device_age_days == 0 && tx.amount > 500.0`,
			Score:      30,
			Action:     ActionScore,
			Priority:   65,
			Active:     true,
		},
		{
			ID:          "behavior-no-session",
			Name:        "Missing session context",
			Description: "Headless or scripted checkout with no behavioral telemetry",
			Category:    CategoryBehavior,
			Expression:  `session.page_views == 0 && session.duration_seconds == 0`,
			Score:       0,
			Action:      ActionFlag,
			Priority:    40,
			Active:      true,
		},
		{
			ID:          "reference-blocked-bin",
			Name:        "Card BIN on the deny list",
			Category:    CategoryReference,
			Expression:  `tx.bin_denied`,
			Score:       100,
			Action:      ActionBlock,
			Priority:    100,
			Active:      true,
		},
	}
}

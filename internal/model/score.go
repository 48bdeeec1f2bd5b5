package model

// FactorScore is a normalized score for one factor of one area.
type FactorScore struct {
	AreaCode string  `json:"area_code"`
	Factor   Factor  `json:"factor"`
	Score    float64 `json:"score"`
}

// TradeOffs lists the factors where an area beats or trails the top pick.
type TradeOffs struct {
	Better []Factor `json:"better,omitempty"`
	Worse  []Factor `json:"worse,omitempty"`
}

// CompositeScore is one ranked recommendation.
type CompositeScore struct {
	AreaCode            string             `json:"area_code"`
	AreaName            string             `json:"area_name,omitempty"`
	Rank                int                `json:"rank"`
	Score               float64            `json:"score"`
	FactorScores        map[Factor]float64 `json:"factor_scores"`
	FactorContributions map[Factor]float64 `json:"factor_contributions"`
	Strengths           []Factor           `json:"strengths"`
	Weaknesses          []Factor           `json:"weaknesses"`
	ReducedConfidence   bool               `json:"reduced_confidence"`
	MissingSources      []string           `json:"missing_sources,omitempty"`
	TradeOffs           *TradeOffs         `json:"trade_offs,omitempty"`
}

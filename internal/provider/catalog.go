package provider

import "strings"

// catalogue lists the models the service is tuned for.
var catalogue = []ModelInfo{
	{
		ID:          "llama3-8b-8192",
		Name:        "Llama3 8B",
		MaxTokens:   8192,
		Description: "Fast and efficient - Best for simple queries",
		UseCase:     "Quick queries, simple data retrieval",
	},
	{
		ID:          "llama3-70b-8192",
		Name:        "Llama3 70B",
		MaxTokens:   8192,
		Description: "High accuracy - Best for complex reasoning",
		UseCase:     "Complex joins, analytical queries",
	},
	{
		ID:          "mixtral-8x7b-32768",
		Name:        "Mixtral 8x7B",
		MaxTokens:   32768,
		Description: "Large context - Best for extensive data",
		UseCase:     "Large context queries, multiple tables",
	},
}

// Catalogue returns the built-in model catalogue.
func Catalogue() []ModelInfo {
	out := make([]ModelInfo, len(catalogue))
	copy(out, catalogue)
	return out
}

// CatalogueIDs returns the ids of the built-in catalogue.
func CatalogueIDs() []string {
	ids := make([]string, len(catalogue))
	for i, m := range catalogue {
		ids[i] = m.ID
	}
	return ids
}

func describeModel(providerID, id string) ModelInfo {
	for _, m := range catalogue {
		if strings.EqualFold(m.ID, id) {
			m.ID = id
			m.Provider = providerID
			return m
		}
	}
	return ModelInfo{ID: id, Name: id, Provider: providerID}
}

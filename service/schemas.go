package service

import "sort"

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func scoreProp(desc string) map[string]any {
	// no minimum/maximum: scores are clamped after parsing
	return map[string]any{"type": "number", "description": desc + " (0-100)"}
}

func objectSchema(props map[string]any) map[string]any {
	required := make([]string, 0, len(props))
	for name := range props {
		required = append(required, name)
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// MetadataSchema constrains stage 1 output
var MetadataSchema = objectSchema(map[string]any{
	"language":   stringProp("ISO 639-1 code of the primary language"),
	"author":     stringProp("Author name found in the text, or Unknown"),
	"publisher":  stringProp("Publisher found in the text, or Unknown"),
	"isbn":       stringProp("ISBN found in the text, or Unknown"),
	"type":       map[string]any{"type": "string", "enum": []string{"fiction", "non_fiction", "hybrid"}},
	"confidence": scoreProp("Confidence in the type classification"),
})

// ClassificationSchema constrains stage 2 output
var ClassificationSchema = objectSchema(map[string]any{
	"classification": map[string]any{"type": "string", "enum": []string{"fiction", "non_fiction", "hybrid"}},
	"confidence":     scoreProp("Confidence in the classification"),
	"reasoning":      stringProp("One or two sentences explaining the classification"),
})

// FictionScoresSchema constrains stage 3 output for fiction and hybrid works
var FictionScoresSchema = objectSchema(map[string]any{
	"language_style":        scoreProp("Language and style"),
	"sensory_immersion":     scoreProp("Sensory experience and immersion"),
	"scene_construction":    scoreProp("Scene construction and dynamics"),
	"plot_structure":        scoreProp("Plot, structure and meaning"),
	"character_development": scoreProp("Character development and depth"),
	"originality":           scoreProp("Originality"),
	"detailed_feedback":     stringProp("Constructive, actionable feedback"),
})

// NonFictionScoresSchema constrains stage 3 output for non-fiction works
var NonFictionScoresSchema = objectSchema(map[string]any{
	"substantiation":    scoreProp("Substantiation of claims"),
	"completeness":      scoreProp("Completeness and depth"),
	"language_clarity":  scoreProp("Language and clarity"),
	"structure":         scoreProp("Structure and organization"),
	"originality":       scoreProp("Originality and uniqueness"),
	"practical_value":   scoreProp("Practical value"),
	"detailed_feedback": stringProp("Constructive, actionable feedback"),
})

// BlurbSchema constrains stage 4 output
var BlurbSchema = objectSchema(map[string]any{
	"blurb": stringProp("Promotional blurb of 25 words or fewer"),
})

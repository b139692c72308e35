package batch

import (
	"encoding/json"

	"github.com/ternarybob/retriever/internal/models"
)

// requestPart/requestContent/generationConfig mirror the provider's batch
// request envelope (spec.md §6.1), grounded on PostAnalyzer.template and
// PostAnalyzer._generation_config in original_source/genai/analyzers/post.py.
type requestPart struct {
	Text string `json:"text"`
}

type requestContent struct {
	Parts []requestPart `json:"parts"`
	Role  string        `json:"role"`
}

type generationConfig struct {
	Temperature        float32                `json:"temperature"`
	ResponseMimeType   string                 `json:"response_mime_type"`
	ResponseJSONSchema map[string]interface{} `json:"response_json_schema"`
}

type batchRequest struct {
	Request struct {
		Contents         []requestContent `json:"contents"`
		GenerationConfig generationConfig `json:"generation_config"`
	} `json:"request"`
}

// analysisInstruction is the fixed JSON-only instruction appended to every
// request, mirroring the original's hardcoded schema instruction string.
const analysisInstruction = "Return a strict JSON object with keys: drugs_related (boolean), " +
	"promotions (array of objects with keys 'content' and 'identifiers' (array of strings)). " +
	"Do not include any text outside of the JSON."

// analysisPromptPreamble mirrors the original's two-message template:
// the system-style instruction message followed by a fixed lead-in.
var analysisPromptPreamble = []requestContent{
	{Role: "user", Parts: []requestPart{{Text: analysisInstruction}}},
	{Role: "user", Parts: []requestPart{{Text: "Analyze the following webpage:"}}},
}

// buildRequestContents assembles the full multi-turn prompt for one Item,
// following PostAnalyzer.format.
func buildRequestContents(item *models.Item) []requestContent {
	body := "Title: " + item.Title + "\n\nContent: " + item.Text
	contents := make([]requestContent, 0, len(analysisPromptPreamble)+1)
	contents = append(contents, analysisPromptPreamble...)
	contents = append(contents, requestContent{
		Role:  "user",
		Parts: []requestPart{{Text: body}},
	})
	return contents
}

// temperature and responseSchema are injected by the caller (from
// common.GeminiConfig and the Analysis JSON schema respectively) rather
// than hardcoded, so an operator can tune temperature without a rebuild.
func buildBatchRequestLine(key string, item *models.Item, temperature float32, schema map[string]interface{}) ([]byte, error) {
	var req batchRequest
	req.Request.Contents = buildRequestContents(item)
	req.Request.GenerationConfig = generationConfig{
		Temperature:        temperature,
		ResponseMimeType:   "application/json",
		ResponseJSONSchema: schema,
	}

	envelope := struct {
		Key     string `json:"key"`
		Request struct {
			Contents         []requestContent `json:"contents"`
			GenerationConfig generationConfig `json:"generation_config"`
		} `json:"request"`
	}{Key: key}
	envelope.Request = req.Request

	line, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// analysisJSONSchema is the fixed response_json_schema handed to the
// provider so its structured output matches models.Analysis exactly.
func analysisJSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"drugs_related": map[string]interface{}{"type": "boolean"},
			"promotions": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content": map[string]interface{}{"type": "string"},
						"identifiers": map[string]interface{}{
							"type":  "array",
							"items": map[string]interface{}{"type": "string"},
						},
					},
					"required": []string{"content", "identifiers"},
				},
			},
		},
		"required": []string{"drugs_related", "promotions"},
	}
}

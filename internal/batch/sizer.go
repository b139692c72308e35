package batch

import "github.com/ternarybob/retriever/internal/models"

// EstimateRequestSize computes the exact byte length of the JSONL line an
// Item would occupy inside a batch request file, using a placeholder key so
// the estimate is stable regardless of the Item's eventual position in the
// file. Grounded on PostAnalyzer.estimate_request_size in
// original_source/genai/analyzers/post.py, which builds the real envelope
// and measures its encoded length rather than approximating.
func EstimateRequestSize(item *models.Item, temperature float32) (int64, error) {
	line, err := buildBatchRequestLine("request-temp", item, temperature, analysisJSONSchema())
	if err != nil {
		return 0, err
	}
	return int64(len(line)), nil
}

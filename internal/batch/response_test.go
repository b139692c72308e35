package batch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResultFile_AllLinesFailReturnsMalformedResponse(t *testing.T) {
	content := "not-json\nalso not json\n"
	results, skipped, err := ParseResultFile([]byte(content))
	require.Nil(t, results)
	require.Equal(t, 2, skipped)
	require.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestParseResultFile_SkipsBlankLines(t *testing.T) {
	content := "\n" + resultLineJSON("item-1", true) + "\n"
	results, skipped, err := ParseResultFile([]byte(content))
	require.NoError(t, err)
	require.Equal(t, 0, skipped)
	require.Len(t, results, 1)
	require.Equal(t, "item-1", results[0].ItemID)
	require.True(t, results[0].Analysis.DrugsRelated)
}

func TestParseResultFile_ValidationFailureIsSkippedNotFatal(t *testing.T) {
	// Missing required "content"/"identifiers" on the promotion fails
	// go-playground/validator's dive, so the line is skipped rather than
	// applied with a half-populated Promotion.
	content := `{"key":"item-1","response":{"candidates":[{"content":{"parts":[{"text":"{\"drugs_related\":true,\"promotions\":[{}]}"}]}}]}}` + "\n"
	results, skipped, err := ParseResultFile([]byte(content))
	require.Error(t, err)
	require.Equal(t, 1, skipped)
	require.Empty(t, results)
}

package bot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"короткий ответ"}, splitMessage("короткий ответ", maxMessageLen))

	long := strings.Repeat("a", 5000)
	chunks := splitMessage(long, maxMessageLen)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 4096)
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestSplitMessagePrefersLineBreaks(t *testing.T) {
	text := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)

	chunks := splitMessage(text, maxMessageLen)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 3000)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 3000), chunks[1])
}

func TestSplitMessageKeepsEntitiesWhole(t *testing.T) {
	text := strings.Repeat("a", 4094) + "&lt;b"

	chunks := splitMessage(text, maxMessageLen)

	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 4094), chunks[0])
	assert.Equal(t, "&lt;b", chunks[1])
}

func TestSplitMessageCountsUTF16Units(t *testing.T) {
	text := strings.Repeat("😀", 3000)

	chunks := splitMessage(text, maxMessageLen)

	require.Len(t, chunks, 2)
	assert.Equal(t, 4096, utf16Len(chunks[0]))
	assert.Equal(t, text, strings.Join(chunks, ""))
}

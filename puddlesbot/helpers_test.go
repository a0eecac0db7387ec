package puddlesbot

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()

	for _, password := range []string{
		"hunter2",
		"correct horse battery staple",
		"",
	} {
		hash, err := HashPassword(password)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))
		assert.NotContains(t, hash, password)

		valid, err := VerifyPassword(hash, password)
		require.NoError(t, err)
		assert.True(t, valid)

		valid, err = VerifyPassword(hash, password+"x")
		require.NoError(t, err)
		assert.False(t, valid)
	}

	_, err := VerifyPassword("not-a-hash", "whatever")
	assert.Error(t, err)
}

func TestHashPassword_Uniqueness(t *testing.T) {
	t.Parallel()

	hash1, err := HashPassword("same password")
	require.NoError(t, err)
	hash2, err := HashPassword("same password")
	require.NoError(t, err)

	// random salt means no two hashes match
	assert.NotEqual(t, hash1, hash2)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "trunc", truncate("truncated", 5))

	// rune-aware, not byte-aware
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestDedupeStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(
		t,
		[]string{"a", "b", "c"},
		dedupeStrings([]string{"a", "b", "a", "", "c", "b"}),
	)
	assert.Empty(t, dedupeStrings([]string{"", ""}))
	assert.Empty(t, dedupeStrings(nil))
}

func TestStructToSlogValue_Redaction(t *testing.T) {
	t.Parallel()

	type secretStruct struct {
		Name  string `json:"name"`
		Token string `json:"token" log:"[redacted]"`
	}

	value := structToSlogValue(secretStruct{Name: "puddles", Token: "s3cret"})
	require.Equal(t, slog.KindGroup, value.Kind())

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "puddles", attrs["name"])
	assert.Equal(t, "[redacted]", attrs["token"])
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()

	key := derive64ByteKey("some secret")
	assert.Len(t, key, 64)

	// deterministic for the same input, distinct across inputs
	assert.Equal(t, key, derive64ByteKey("some secret"))
	assert.NotEqual(t, key, derive64ByteKey("other secret"))
}

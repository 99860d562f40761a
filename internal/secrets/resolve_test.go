package secrets

import (
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/domain"
)

func TestResolveString(t *testing.T) {
	vars := map[string]string{"DB_HOST": "db.internal", "DB_PORT": "5432"}

	assert.Equal(t, "jdbc://db.internal:5432",
		ResolveString("jdbc://${DB_HOST}:${DB_PORT}", vars))
	assert.Equal(t, "jdbc://db.internal:5432",
		ResolveString("jdbc://$DB_HOST:$DB_PORT", vars))
}

func TestResolveStringUnknownLeftLiteral(t *testing.T) {
	vars := map[string]string{"KNOWN": "yes"}

	assert.Equal(t, "yes and ${MISSING}", ResolveString("${KNOWN} and ${MISSING}", vars))
	assert.Equal(t, "$MISSING", ResolveString("$MISSING", vars))
}

func TestResolveStringIdempotentWithoutRefs(t *testing.T) {
	vars := map[string]string{"X": "1"}
	s := "plain text, no references, 100% safe"
	assert.Equal(t, s, ResolveString(s, vars))
	assert.Equal(t, s, ResolveString(ResolveString(s, vars), vars))
}

func TestResolveWalksNestedDocuments(t *testing.T) {
	vars := map[string]string{"PASSWORD": "s3cret", "TOPIC": "orders"}

	doc := domain.Document{
		"source": map[string]any{
			"password": "${PASSWORD}",
			"port":     3306,
			"topics":   []any{"$TOPIC", "static"},
		},
		"parallelism": 2,
	}

	out := Resolve(doc, vars)

	source := out["source"].(map[string]any)
	assert.Equal(t, "s3cret", source["password"])
	assert.Equal(t, 3306, source["port"])
	assert.Equal(t, []any{"orders", "static"}, source["topics"])
	assert.Equal(t, 2, out["parallelism"])

	// Input document untouched.
	assert.Equal(t, "${PASSWORD}", doc["source"].(map[string]any)["password"])
}

func TestSystemVariables(t *testing.T) {
	before := time.Now().UnixMilli()
	sys := System()
	after := time.Now().UnixMilli()

	ts, err := strconv.ParseInt(sys["__NOW_TS10__"], 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)

	r, err := strconv.Atoi(sys["__RANDOM_16BIT__"])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r, 0)
	assert.Less(t, r, 32768)

	assert.Regexp(t, regexp.MustCompile(`^[2-9A-HJ-NP-Za-km-z]{9}$`), sys["__SUUID_9__"])
}

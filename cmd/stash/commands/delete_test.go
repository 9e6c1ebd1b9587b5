package commands

import (
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/stash/internal/persistence"
	"github.com/dyluth/stash/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteCommand_RemovesFromBothStores(t *testing.T) {
	pmr := miniredis.RunT(t)
	smr := miniredis.RunT(t)
	path := cliEnv(t, pmr, smr)

	env := record.Envelope{Collection: record.CollectionXAI, ID: "xai-7", Payload: map[string]any{"method": "gradcam"}}
	seed(t, pmr, env)
	seed(t, smr, env)

	out, _, err := runCLI(t, path, "delete", "xai", "xai-7", "--json")
	require.NoError(t, err)

	var got persistence.DeleteResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, persistence.DeleteResult{Success: true, Count: 2}, got)

	assert.Empty(t, stored(t, pmr, record.CollectionXAI))
	assert.Empty(t, stored(t, smr, record.CollectionXAI))
}

func TestDeleteCommand_NotFound(t *testing.T) {
	pmr := miniredis.RunT(t)
	path := cliEnv(t, pmr, nil)

	out, _, err := runCLI(t, path, "delete", record.CollectionGrid, "missing")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "No record missing found in grid_analysis")
}

func TestDeleteCommand_NoStore(t *testing.T) {
	path := cliEnv(t, nil, nil)

	_, _, err := runCLI(t, path, "delete", "predictions", "abc")
	require.Error(t, err)
	assert.Equal(t, "no store available", err.Error())
}

func TestDeleteCommand_RequiresArgs(t *testing.T) {
	path := cliEnv(t, nil, nil)

	_, _, err := runCLI(t, path, "delete", "predictions")
	assert.Error(t, err)
}

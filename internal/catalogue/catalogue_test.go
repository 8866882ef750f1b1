// Copyright 2025 James Ross
package catalogue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dcf21/eas-orchestrator/internal/store"
)

const sampleCatalogue = `<?xml version="1.0"?>
<catalogue>
  <containers>
    <container>
      <name>eas_base</name>
      <resourceRequirements><cpu>1</cpu><gpu>0</gpu><memory_gb>2</memory_gb></resourceRequirements>
    </container>
    <container>
      <name>eas_worker_synthesis</name>
      <resourceRequirements><cpu>4</cpu><gpu>0</gpu><memory_gb>8</memory_gb></resourceRequirements>
    </container>
  </containers>
  <tasks>
    <task><name>null</name><container>all</container></task>
    <task><name>synthesis_psls</name><container>eas_worker_synthesis</container></task>
    <task><name>verify</name><container>eas_base</container></task>
  </tasks>
</catalogue>`

func TestParseAndCapabilities(t *testing.T) {
	cat, err := Parse([]byte(sampleCatalogue))
	require.NoError(t, err)

	require.Equal(t, []string{"null", "synthesis_psls", "verify"}, cat.TaskTypes())

	cont, ok := cat.Container("eas_worker_synthesis")
	require.True(t, ok)
	require.Equal(t, 4.0, cont.CPU)
	require.Equal(t, 8.0, cont.MemoryGB)

	// "all" expands to every declared container.
	require.ElementsMatch(t, []string{"eas_base", "eas_worker_synthesis"}, cat.ContainersFor("null"))

	caps, err := cat.CapabilitySet("eas_base")
	require.NoError(t, err)
	require.Equal(t, []string{"null", "verify"}, caps)

	caps, err = cat.CapabilitySet("eas_worker_synthesis")
	require.NoError(t, err)
	require.Equal(t, []string{"null", "synthesis_psls"}, caps)

	_, err = cat.CapabilitySet("no_such_container")
	require.Error(t, err)
}

func TestParseRejectsUnknownContainer(t *testing.T) {
	doc := `<catalogue>
	  <containers><container><name>eas_base</name></container></containers>
	  <tasks><task><name>null</name><container>bogus</container></task></tasks>
	</catalogue>`
	_, err := Parse([]byte(doc))
	require.ErrorContains(t, err, "unknown container")
}

func TestParseRejectsEmptyAndDuplicates(t *testing.T) {
	_, err := Parse([]byte(`<catalogue><containers></containers></catalogue>`))
	require.ErrorContains(t, err, "no containers")

	dup := `<catalogue>
	  <containers>
	    <container><name>a</name></container>
	    <container><name>a</name></container>
	  </containers>
	</catalogue>`
	_, err = Parse([]byte(dup))
	require.ErrorContains(t, err, "duplicate container")
}

func TestSyncToStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(ctx))

	cat, err := Parse([]byte(sampleCatalogue))
	require.NoError(t, err)
	require.NoError(t, cat.SyncToStore(ctx, st))

	tt, resources, err := st.GetTaskType(ctx, "synthesis_psls")
	require.NoError(t, err)
	require.NotNil(t, tt)
	require.Equal(t, []string{"eas_worker_synthesis"}, tt.Containers)
	require.Len(t, resources, 1)
	require.Equal(t, 4.0, resources[0].CPU)

	// Sync is idempotent.
	require.NoError(t, cat.SyncToStore(ctx, st))
}

package reconcile

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/solarsync/internal/canon"
	"github.com/lox/solarsync/internal/models"
)

func plant(id, name string) models.ProviderPlant {
	return models.ProviderPlant{ProviderID: "csi", ExternalID: id, RawName: name}
}

func TestReconcile_MatchesAcrossNotation(t *testing.T) {
	r := New(canon.Default, []models.RegistryPlant{{ID: 1, Name: "UFV Fazenda Solar III"}})

	res := r.Reconcile("csi", []models.ProviderPlant{plant("7", "Fazenda Solar 3 (Lote 12)")})

	require.Len(t, res.Matches, 1)
	assert.Equal(t, int64(1), res.Matches[0].RegistryID)
	assert.Equal(t, "7", res.Matches[0].ExternalID)
	assert.Equal(t, "csi", res.Matches[0].ProviderID)
	assert.Equal(t, "UFV Fazenda Solar III", res.Matches[0].RegistryName)
	assert.Empty(t, res.Unmatched)
	assert.Empty(t, res.Duplicates)
	assert.Equal(t, 1, res.Total)
}

func TestReconcile_DuplicateKeyRejected(t *testing.T) {
	r := New(canon.Default, []models.RegistryPlant{{ID: 3, Name: "A"}})

	res := r.Reconcile("phb", []models.ProviderPlant{
		plant("1", "Usina A"),
		plant("2", "USINA A"),
	})

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "1", res.Matches[0].ExternalID)
	assert.Equal(t, []string{"USINA A"}, res.Duplicates)
}

func TestReconcile_DuplicateOfUnmatchedStillDuplicate(t *testing.T) {
	r := New(canon.Default, nil)

	res := r.Reconcile("sep", []models.ProviderPlant{
		plant("1", "Fazenda Norte"),
		plant("2", "fazenda-norte"),
	})

	assert.Empty(t, res.Matches)
	assert.Equal(t, []string{"Fazenda Norte"}, res.Unmatched)
	assert.Equal(t, []string{"fazenda-norte"}, res.Duplicates)
}

func TestReconcile_EmptyKeysNeverMatch(t *testing.T) {
	r := New(canon.Default, []models.RegistryPlant{
		{ID: 1, Name: "Usina Solar"},
		{ID: 2, Name: ""},
	})
	assert.Equal(t, 0, r.Index().Len())

	res := r.Reconcile("csi", []models.ProviderPlant{
		plant("1", "Planta PV"),
		plant("2", ""),
		plant("3", "(sem nome)"),
	})

	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Unmatched)
	assert.Empty(t, res.Duplicates)
	assert.Equal(t, 3, res.Total)
}

func TestReconcile_PerProviderDuplicateScope(t *testing.T) {
	r := New(canon.Default, []models.RegistryPlant{{ID: 9, Name: "Fazenda Boa Vista"}})

	csi := r.Reconcile("csi", []models.ProviderPlant{plant("10", "Fazenda Boa Vista")})
	phb := r.Reconcile("phb", []models.ProviderPlant{plant("abc", "FAZENDA BOA VISTA (Quadra 2)")})

	require.Len(t, csi.Matches, 1)
	require.Len(t, phb.Matches, 1)
	assert.Empty(t, phb.Duplicates)
	assert.Equal(t, csi.Matches[0].RegistryID, phb.Matches[0].RegistryID)
}

func TestReconcile_ListingOrderDecidesWinner(t *testing.T) {
	r := New(canon.Default, []models.RegistryPlant{{ID: 5, Name: "Sitio Verde"}})

	res := r.Reconcile("csi", []models.ProviderPlant{
		plant("b", "SITIO VERDE"),
		plant("a", "Sitio Verde"),
	})

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "b", res.Matches[0].ExternalID)
	assert.Equal(t, []string{"Sitio Verde"}, res.Duplicates)
}

func TestReconcile_CarriesSnapshotWeather(t *testing.T) {
	r := New(canon.Default, []models.RegistryPlant{{ID: 1, Name: "Sitio Verde"}})
	p := plant("1", "Sitio Verde")
	p.Metrics.Weather = sql.NullString{String: "sunny", Valid: true}

	res := r.Reconcile("csi", []models.ProviderPlant{p})

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "sunny", res.Matches[0].Weather.String)
}

func TestBuildIndex_RegistryCollisionLastWins(t *testing.T) {
	ix := BuildIndex(canon.Default, []models.RegistryPlant{
		{ID: 1, Name: "Fazenda Norte"},
		{ID: 2, Name: "UFV Fazenda Norte"},
	})

	got, ok := ix.Lookup("fazenda norte")
	require.True(t, ok)
	assert.Equal(t, int64(2), got.ID)

	require.Len(t, ix.Collisions(), 1)
	c := ix.Collisions()[0]
	assert.Equal(t, "fazenda norte", c.Key)
	assert.Equal(t, int64(2), c.KeptID)
	assert.Equal(t, int64(1), c.ShadowID)

	_, ok = ix.Lookup("")
	assert.False(t, ok)
}

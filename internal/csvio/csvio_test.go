package csvio

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Records(t *testing.T) {
	input := "\ufeffhs_object_id, email ,createdate,associations.companies\n" +
		"1,john.doe@gmail.com,2024-01-02T00:00:00Z,10;11\n" +
		",,,\n" +
		"2,jane@example.com,1704067200000,\n"

	r, err := NewReader(strings.NewReader(input), ReaderOptions{Type: core.ObjectContacts})
	require.NoError(t, err)
	assert.Equal(t, []string{"hs_object_id", "email", "createdate", "associations.companies"}, r.Header())

	var recs []core.Record
	for rec, err := range r.Records() {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "1", first.SourceID)
	assert.Equal(t, core.ObjectContacts, first.Type)
	assert.Equal(t, "john.doe@gmail.com", first.Properties.Value("email"))
	assert.False(t, first.Properties.Has("associations.companies"))
	assert.Equal(t, []core.AssociationRef{
		{ToType: core.ObjectCompanies, ToSourceID: "10"},
		{ToType: core.ObjectCompanies, ToSourceID: "11"},
	}, first.Associations)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), first.CreatedAt.UTC())

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), recs[1].CreatedAt)
	assert.Empty(t, recs[1].Associations)
}

func TestReader_MissingID(t *testing.T) {
	input := "hs_object_id,email\n,a@b.com\n3,c@d.com\n"
	r, err := NewReader(strings.NewReader(input), ReaderOptions{Type: core.ObjectContacts})
	require.NoError(t, err)

	_, err = r.Next()
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 2, rowErr.Row)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "3", rec.SourceID)

	_, err = r.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReader_NaiveTimestampWarns(t *testing.T) {
	input := "id,createdate\n1,2024-01-02 10:00:00\n"
	r, err := NewReader(strings.NewReader(input), ReaderOptions{Type: core.ObjectCompanies, IDColumn: "id"})
	require.NoError(t, err)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.True(t, rec.CreatedAt.IsZero())
	require.Len(t, r.Warnings(), 1)
	assert.Contains(t, r.Warnings()[0].Message, "UTC offset")
}

func TestReader_ShortRowIsPadded(t *testing.T) {
	input := "hs_object_id,name,domain\n5,Acme\n"
	r, err := NewReader(strings.NewReader(input), ReaderOptions{Type: core.ObjectCompanies})
	require.NoError(t, err)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.Properties.Value("name"))
	assert.Equal(t, "", rec.Properties.Value("domain"))
	assert.Len(t, r.Warnings(), 1)
}

func TestReader_Latin1(t *testing.T) {
	input := []byte("hs_object_id,name\n1,Caf\xe9\n")
	r, err := NewReader(bytes.NewReader(input), ReaderOptions{Type: core.ObjectCompanies, Encoding: EncodingLatin1})
	require.NoError(t, err)

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "Café", rec.Properties.Value("name"))
}

func TestNewReader_Errors(t *testing.T) {
	_, err := NewReader(strings.NewReader(""), ReaderOptions{Type: core.ObjectContacts})
	assert.Error(t, err)

	_, err = NewReader(strings.NewReader("email\nx\n"), ReaderOptions{Type: core.ObjectContacts})
	assert.ErrorContains(t, err, "hs_object_id")

	_, err = NewReader(strings.NewReader("hs_object_id\n1\n"), ReaderOptions{})
	assert.Error(t, err)
}

func TestReadIDs(t *testing.T) {
	input := "hubspot_id,name\n 10 ,a\n11,b\n10,c\n,d\n"
	ids, err := ReadIDs(strings.NewReader(input), "hubspot_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11"}, ids)

	_, err = ReadIDs(strings.NewReader(input), "missing")
	assert.Error(t, err)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "", []string{"email", "firstname", "associations.companies"})

	rec := core.Record{
		Type:         core.ObjectContacts,
		SourceID:     "1",
		Properties:   core.NewProperties("email", "johndoe@gmail.com", "firstname", "John, Jr."),
		Associations: []core.AssociationRef{{ToType: core.ObjectCompanies, ToSourceID: "10"}, {ToType: core.ObjectCompanies, ToSourceID: "11"}},
	}
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Flush())

	assert.Equal(t,
		"hs_object_id,email,firstname,associations.companies\n"+
			"1,johndoe@gmail.com,\"John, Jr.\",10;11\n",
		buf.String())
}

func TestWriter_EmptyStillWritesHeader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "id", []string{"name"})
	require.NoError(t, w.Flush())
	assert.Equal(t, "id,name\n", buf.String())
}

func TestRoundTripThroughReader(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "", []string{"name"})
	require.NoError(t, w.Write(core.Record{SourceID: "7", Properties: core.NewProperties("name", "Acme")}))
	require.NoError(t, w.Flush())

	r, err := NewReader(&buf, ReaderOptions{Type: core.ObjectCompanies})
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", rec.SourceID)
	assert.Equal(t, "Acme", rec.Properties.Value("name"))
}

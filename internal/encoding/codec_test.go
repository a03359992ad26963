package encoding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

func sampleResult() *snapshot.ExtractionResult {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &snapshot.ExtractionResult{
		Columns: []string{"order_id", "price", "updated_at"},
		Rows: []snapshot.Row{
			{"order_id": "ORD000001", "price": 120.5, "updated_at": ts},
			{"order_id": "ORD000002", "price": nil, "updated_at": ts, "status": "pending", "note": "a,b"},
			{"order_id": "ORD000003", "price": []byte("99.90")},
		},
	}
}

func TestColumns_UnionPreservesOrder(t *testing.T) {
	assert.Equal(t,
		[]string{"order_id", "price", "updated_at", "note", "status"},
		Columns(sampleResult()))

	noColumns := &snapshot.ExtractionResult{Rows: []snapshot.Row{{"b": 1, "a": 2}, {"c": 3, "a": 4}}}
	assert.Equal(t, []string{"a", "b", "c"}, Columns(noColumns))
}

func TestCSV_Encode(t *testing.T) {
	out, err := CSV{}.Encode(sampleResult())
	require.NoError(t, err)

	want := "order_id,price,updated_at,note,status\n" +
		"ORD000001,120.5,2024-05-01T10:00:00Z,,\n" +
		"ORD000002,,2024-05-01T10:00:00Z,\"a,b\",pending\n" +
		"ORD000003,99.90,,,\n"
	assert.Equal(t, want, string(out))
}

func TestJSONLines_Encode(t *testing.T) {
	out, err := JSONLines{}.Encode(sampleResult())
	require.NoError(t, err)

	want := `{"order_id":"ORD000001","price":120.5,"updated_at":"2024-05-01T10:00:00Z","note":null,"status":null}` + "\n" +
		`{"order_id":"ORD000002","price":null,"updated_at":"2024-05-01T10:00:00Z","note":"a,b","status":"pending"}` + "\n" +
		`{"order_id":"ORD000003","price":"99.90","updated_at":null,"note":null,"status":null}` + "\n"
	assert.Equal(t, want, string(out))
}

func TestForFormat(t *testing.T) {
	c, err := ForFormat("")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", c.ContentType())

	c, err = ForFormat("JSONL")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", c.Extension())

	_, err = ForFormat("parquet")
	assert.Error(t, err)
}

func TestEncode_BinaryValues(t *testing.T) {
	guid := []byte{0x6f, 0x96, 0x19, 0xff, 0x8b, 0x12, 0xd3, 0x11, 0xa4, 0x56, 0x42, 0x66, 0x14, 0x17, 0x40, 0x00}
	result := &snapshot.ExtractionResult{
		Columns: []string{"id", "payload", "name"},
		Rows:    []snapshot.Row{{"id": guid, "payload": []byte{0x00, 0x0a, 0xff}, "name": []byte("widget")}},
	}

	out, err := CSV{}.Encode(result)
	require.NoError(t, err)
	assert.Equal(t, "id,payload,name\n0x6F9619FF8B12D311A456426614174000,0x000AFF,widget\n", string(out))

	out, err = JSONLines{}.Encode(result)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"0x6F9619FF8B12D311A456426614174000","payload":"0x000AFF","name":"widget"}`+"\n", string(out))
}

func TestBinaryLiteral(t *testing.T) {
	assert.Equal(t, "0x", BinaryLiteral(nil))
	assert.Equal(t, "0xDEADBEEF", BinaryLiteral([]byte{0xde, 0xad, 0xbe, 0xef}))
}

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		id      []byte
		payload []byte
		extra   []byte
	}{
		{"minimal", Layout{IDSize: 1, PayloadSize: 0, ExtraSize: 0}, []byte{0x01}, nil, nil},
		{"typical", Layout{IDSize: 8, PayloadSize: 40, ExtraSize: 4}, make([]byte, 8), make([]byte, 40), make([]byte, 4)},
		{"max size", Layout{IDSize: 1, PayloadSize: 252, ExtraSize: 0}, []byte{0xFF}, make([]byte, 252), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range tt.payload {
				tt.payload[i] = byte(i)
			}
			encoded, err := EncodeData(tt.layout, tt.id, tt.payload, tt.extra)
			require.NoError(t, err)

			decoded, err := DecodeData(tt.layout, encoded)
			require.NoError(t, err)
			require.Equal(t, tt.id, decoded.ID)
			require.Equal(t, tt.payload, decoded.Payload)
			require.Equal(t, tt.extra, decoded.Extra)

			reencoded, err := EncodeData(tt.layout, decoded.ID, decoded.Payload, decoded.Extra)
			require.NoError(t, err)
			require.Equal(t, encoded, reencoded)
		})
	}
}

func TestEncodeDataIntoZeroPadsTail(t *testing.T) {
	l := Layout{IDSize: 1, PayloadSize: 1, ExtraSize: 0}
	buf := []byte{0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	n, err := EncodeDataInto(buf, l, []byte{0x01}, []byte{0x02}, nil)
	require.NoError(t, err)
	require.Equal(t, 4, n) // tag | id | 0x00 | payload
	require.Equal(t, []byte{0x00}, buf[4:])
}

func TestDataFrameRejectsSizeMismatch(t *testing.T) {
	l := Layout{IDSize: 4, PayloadSize: 4, ExtraSize: 0}
	_, err := EncodeData(l, []byte{1, 2, 3}, []byte{1, 2, 3, 4}, nil)
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestDataFrameRejectsUnknownTag(t *testing.T) {
	l := Layout{IDSize: 1, PayloadSize: 0, ExtraSize: 0}
	buf := []byte{0xFF, 0x01, 0x00}
	_, err := DecodeData(l, buf)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDataFrameRejectsTruncated(t *testing.T) {
	l := Layout{IDSize: 4, PayloadSize: 10, ExtraSize: 0}
	_, err := DecodeData(l, []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestLayoutValidate(t *testing.T) {
	require.NoError(t, Layout{IDSize: 1, PayloadSize: 1}.Validate())
	require.Error(t, Layout{IDSize: 0, PayloadSize: 1}.Validate())
	require.Error(t, Layout{IDSize: 200, PayloadSize: 60}.Validate())
}

func TestRenegBeginRoundTrip(t *testing.T) {
	f := RenegBeginFrame{Round: 7, Sender: 3}
	encoded := EncodeRenegBegin(f.Round, f.Sender)
	decoded, err := DecodeRenegBegin(encoded)
	require.NoError(t, err)
	require.Equal(t, f, decoded)

	reencoded := EncodeRenegBegin(decoded.Round, decoded.Sender)
	require.Equal(t, encoded, reencoded)
}

func TestRenegBeginRejectsWrongTag(t *testing.T) {
	buf := EncodeRenegBegin(1, 2)
	buf[0] = byte(TagData)
	_, err := DecodeRenegBegin(buf)
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestRenegPivotsRoundTrip(t *testing.T) {
	f := RenegPivotsFrame{Round: 42, Width: 0.125, Pivots: []float32{0, 0.25, 0.5, 0.75, 1}}
	encoded := EncodeRenegPivots(f.Round, f.Width, f.Pivots)
	decoded, err := DecodeRenegPivots(encoded)
	require.NoError(t, err)
	require.Equal(t, f.Round, decoded.Round)
	require.Equal(t, f.Width, decoded.Width)
	require.Equal(t, f.Pivots, decoded.Pivots)

	reencoded := EncodeRenegPivots(decoded.Round, decoded.Width, decoded.Pivots)
	require.Equal(t, encoded, reencoded)
}

func TestRenegPivotsRejectsTruncatedBody(t *testing.T) {
	buf := EncodeRenegPivots(1, 0.1, []float32{1, 2, 3})
	_, err := DecodeRenegPivots(buf[:len(buf)-4])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestPeekTag(t *testing.T) {
	tag, err := PeekTag(EncodeRenegBegin(1, 2))
	require.NoError(t, err)
	require.Equal(t, TagRenegBegin, tag)

	_, err = PeekTag([]byte{0xFF})
	require.ErrorIs(t, err, ErrUnknownTag)

	_, err = PeekTag(nil)
	require.ErrorIs(t, err, ErrTruncated)
}

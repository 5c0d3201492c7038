package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleMembership() *Membership {
	return &Membership{
		TgtCnt: 3,
		GrpCnt: 1,
		Flags:  ContainLeader,
		Targets: []TargetDesc{
			{TargetID: 1}, {TargetID: 2}, {TargetID: 3},
		},
		Groups: []GroupDesc{
			{Redundancy: 3, RdonlyFlag: false, Targets: []uint32{0, 1, 2}},
		},
	}
}

func TestMarshalUnmarshalRoundTripsInline(t *testing.T) {
	m := sampleMembership()
	data, err := Marshal(m, 4096)
	require.NoError(t, err)
	require.Equal(t, byte(0), data[0], "small payload should stay uncompressed")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, m.TgtCnt, got.TgtCnt)
	require.Equal(t, m.Flags, got.Flags)
	require.Equal(t, m.Targets, got.Targets)
	require.Equal(t, m.Groups, got.Groups)
	require.Nil(t, got.Coll)
}

func TestMarshalUnmarshalRoundTripsCompressed(t *testing.T) {
	m := sampleMembership()
	for i := 0; i < 64; i++ {
		m.Targets = append(m.Targets, TargetDesc{TargetID: uint32(10 + i)})
	}

	data, err := Marshal(m, 16)
	require.NoError(t, err)
	require.Equal(t, byte(1), data[0], "oversized payload should compress")

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, m.Targets, got.Targets)
}

func TestMarshalUnmarshalRoundTripsCollTargets(t *testing.T) {
	m := sampleMembership()
	m.Flags |= CollTarget
	m.Coll = &CollTargets{
		Bitmap:    []byte{0xff, 0x0f},
		TargetIDs: []uint32{1, 2, 3},
		FDomLvl:   2,
		PDA:       4,
		PDomLvl:   1,
	}

	data, err := Marshal(m, 4096)
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, got.Coll)
	require.Equal(t, m.Coll, got.Coll)
	require.True(t, got.Flags.Has(CollTarget))
}

func TestUnmarshalRejectsEmpty(t *testing.T) {
	_, err := Unmarshal(nil)
	require.Error(t, err)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	m := sampleMembership()
	data, err := Marshal(m, 4096)
	require.NoError(t, err)
	_, err = Unmarshal(data[:len(data)-2])
	require.Error(t, err)
}

func TestEntryPutReleasesMBSAtZero(t *testing.T) {
	ref := NewRef(sampleMembership())
	e := &Entry{RefCnt: 1, MBS: ref}
	e.Get()
	require.EqualValues(t, 2, e.RefCnt)

	e.Put()
	require.NotNil(t, ref.Get(), "still held")

	e.Put()
	require.Nil(t, ref.Get(), "released at zero refcount")
}

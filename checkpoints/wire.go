package checkpoints

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Weight-file wire format: a length-delimited record per tensor
// (field 1), each holding name (1), packed shape (2) and packed
// fixed32 float data (3). Fixed32 keeps float32 round-trips
// bit-exact.
const (
	fieldTensor = 1
	fieldName   = 1
	fieldShape  = 2
	fieldData   = 3
)

func encodeSnapshot(snap Snapshot) []byte {
	var buf []byte
	for _, wt := range snap {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldName, protowire.BytesType)
		rec = protowire.AppendString(rec, wt.Name)

		var shape []byte
		for _, d := range wt.Shape {
			shape = protowire.AppendVarint(shape, uint64(d))
		}
		rec = protowire.AppendTag(rec, fieldShape, protowire.BytesType)
		rec = protowire.AppendBytes(rec, shape)

		var data []byte
		for _, v := range wt.Data {
			data = protowire.AppendFixed32(data, math.Float32bits(v))
		}
		rec = protowire.AppendTag(rec, fieldData, protowire.BytesType)
		rec = protowire.AppendBytes(rec, data)

		buf = protowire.AppendTag(buf, fieldTensor, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec)
	}
	return buf
}

func decodeSnapshot(buf []byte) (Snapshot, error) {
	var snap Snapshot
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.New("weight file: malformed tag")
		}
		buf = buf[n:]
		if num != fieldTensor || typ != protowire.BytesType {
			return nil, errors.Errorf("weight file: unexpected field %d", num)
		}
		rec, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, errors.New("weight file: truncated record")
		}
		buf = buf[n:]

		wt, err := decodeWeightTensor(rec)
		if err != nil {
			return nil, err
		}
		snap = append(snap, wt)
	}
	return snap, nil
}

func decodeWeightTensor(rec []byte) (WeightTensor, error) {
	var wt WeightTensor
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return wt, errors.New("weight file: malformed tensor tag")
		}
		rec = rec[n:]
		if typ != protowire.BytesType {
			return wt, errors.Errorf("weight file: unexpected wire type %d", typ)
		}
		payload, n := protowire.ConsumeBytes(rec)
		if n < 0 {
			return wt, errors.New("weight file: truncated tensor field")
		}
		rec = rec[n:]

		switch num {
		case fieldName:
			wt.Name = string(payload)
		case fieldShape:
			for len(payload) > 0 {
				v, n := protowire.ConsumeVarint(payload)
				if n < 0 {
					return wt, errors.New("weight file: malformed shape")
				}
				payload = payload[n:]
				wt.Shape = append(wt.Shape, int(v))
			}
		case fieldData:
			if len(payload)%4 != 0 {
				return wt, errors.New("weight file: data not fixed32 aligned")
			}
			wt.Data = make([]float32, 0, len(payload)/4)
			for len(payload) > 0 {
				v, n := protowire.ConsumeFixed32(payload)
				if n < 0 {
					return wt, errors.New("weight file: malformed data")
				}
				payload = payload[n:]
				wt.Data = append(wt.Data, math.Float32frombits(uint32(v)))
			}
		}
	}
	if wt.Name == "" {
		return wt, errors.New("weight file: tensor without name")
	}
	return wt, nil
}

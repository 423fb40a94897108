package arena

// Rdata points at a data submessage within its parent rmsg: byte offsets
// for submessage/payload/keyhash and a [min, maxp1) fragment byte range.
// It owns no memory of its own; its lifetime is subordinate to its rmsg.
type Rdata struct {
	Rmsg *Rmsg

	SubmsgOff  int32
	PayloadOff int32
	KeyhashOff int32

	// Min/MaxP1 describe [Min, MaxP1) fragment byte range within the
	// sample; for an unfragmented sample Min==0 && MaxP1==sample size.
	Min, MaxP1 uint32

	// NextFrag chains fragments of one sample together.
	NextFrag *Rdata

	// Gap is true for placeholder rdata representing an acknowledged
	// absence of a sequence number.
	Gap bool
}

// NewRdata constructs a data record and charges its rmsg RdataBias, the
// synchronous-processing bias covering every index that may take it.
func NewRdata(m *Rmsg, submsgOff, payloadOff, keyhashOff int32, min, maxp1 uint32) *Rdata {
	m.AddBias(RdataBias)
	return &Rdata{
		Rmsg:       m,
		SubmsgOff:  submsgOff,
		PayloadOff: payloadOff,
		KeyhashOff: keyhashOff,
		Min:        min,
		MaxP1:      maxp1,
	}
}

// NewRdataGap constructs a gap placeholder rdata over [min, maxp1), also
// charging its rmsg RdataBias so it participates in the same biasing
// protocol as real fragments.
func NewRdataGap(m *Rmsg, min, maxp1 uint32) *Rdata {
	m.AddBias(RdataBias)
	return &Rdata{Rmsg: m, Min: min, MaxP1: maxp1, Gap: true}
}

// AddBias charges this rdata's rmsg an extra RdataBias, used when a
// secondary index takes an additional synchronous reference to an rdata
// already accounted for (a duplicated head sample entering an
// out-of-sync reader's own reorder, say).
func (rd *Rdata) AddBias() { rd.Rmsg.AddBias(RdataBias) }

// RemoveBiasAndAdjust removes this rdata's RdataBias contribution and
// applies an additional net adjustment in the same atomic step, settling
// the biased count once synchronous processing is over.
func (rd *Rdata) RemoveBiasAndAdjust(extra int64) {
	rd.Rmsg.adjust(extra - RdataBias)
}

// Unref fully releases this rdata's RdataBias contribution (the
// fragment is no longer referenced by anything downstream).
func (rd *Rdata) Unref() { rd.Rmsg.adjust(-RdataBias) }

// FragchainAdjustRefcount walks a nextfrag-linked chain, applying
// (k - RdataBias) to each fragment's rmsg: k is the number of indexes
// that actually accepted the rdata during synchronous processing.
func FragchainAdjustRefcount(chain *Rdata, k int64) {
	for rd := chain; rd != nil; rd = rd.NextFrag {
		rd.RemoveBiasAndAdjust(k)
	}
}

// FragchainUnref is FragchainAdjustRefcount(chain, 0): nothing downstream
// took the chain, so every fragment gives up its full RdataBias.
func FragchainUnref(chain *Rdata) {
	FragchainAdjustRefcount(chain, 0)
}

// FragchainRef takes one additional reference on every fragment of the
// chain, for a holder (a history cache, say) that outlives the delivery
// path's own reference.
func FragchainRef(chain *Rdata) {
	for rd := chain; rd != nil; rd = rd.NextFrag {
		rd.AddBias()
	}
}

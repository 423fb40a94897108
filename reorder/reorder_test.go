package reorder_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/reorder"
)

func sampleAt(pool *arena.Pool, owner *arena.OwnerToken, seq uint64) *reorder.Rsample {
	m := pool.NewRmsg(owner)
	rd := arena.NewRdata(m, 0, 0, 0, 0, 16)
	m.SetSize(16)
	m.Commit()
	return &reorder.Rsample{Min: seq, MaxP1: seq + 1, Entries: []reorder.Entry{{Seq: seq, Chain: rd}}}
}

var _ = Describe("Reorder", func() {
	var (
		owner *arena.OwnerToken
		pool  *arena.Pool
	)

	BeforeEach(func() {
		owner = arena.NewOwnerToken()
		pool = arena.NewPool(owner, 1<<16, 1024)
	})

	It("delivers strictly sequential samples one at a time", func() {
		r := reorder.New(reorder.Normal, 16, false)
		Expect(r.NextSeq()).To(Equal(uint64(1)))

		for _, seq := range []uint64{1, 2, 3} {
			res, chain := r.Rsample(sampleAt(pool, owner, seq), false)
			Expect(res).To(Equal(reorder.Result(1)))
			Expect(chain.Entries).To(HaveLen(1))
			Expect(chain.Entries[0].Seq).To(Equal(seq))
		}
		Expect(r.NextSeq()).To(Equal(uint64(4)))
	})

	It("delivers a gap-bridged chain once the hole closes", func() {
		r := reorder.New(reorder.Normal, 16, false)

		res3, _ := r.Rsample(sampleAt(pool, owner, 3), false)
		Expect(res3).To(Equal(reorder.Accept))
		res5, _ := r.Rsample(sampleAt(pool, owner, 5), false)
		Expect(res5).To(Equal(reorder.Accept))

		resGap, chain := r.Gap(1, 3)
		Expect(resGap).To(BeNumerically(">", 0))
		Expect(chain.Entries[0].Gap).To(BeTrue())
		Expect(chain.Entries[len(chain.Entries)-1].Seq).To(Equal(uint64(3)))
		Expect(r.NextSeq()).To(Equal(uint64(4)))
		Expect(r.WantSample(5)).To(BeFalse()) // already stored
	})

	It("rejects all storage at max_samples=0 but still advances on gap", func() {
		r := reorder.New(reorder.Normal, 0, false)
		res, _ := r.Rsample(sampleAt(pool, owner, 5), false)
		Expect(res).To(Equal(reorder.Reject))

		resGap, _ := r.Gap(1, 3)
		Expect(resGap).To(BeNumerically(">=", 0))
		Expect(r.NextSeq()).To(BeNumerically(">=", uint64(3)))
	})

	It("delivers immediately in MonotonicallyIncreasing mode, skipping ahead", func() {
		r := reorder.New(reorder.MonotonicallyIncreasing, 16, false)
		res, chain := r.Rsample(sampleAt(pool, owner, 10), false)
		Expect(res).To(Equal(reorder.Result(1)))
		Expect(chain.Entries[0].Seq).To(Equal(uint64(10)))
		Expect(r.NextSeq()).To(Equal(uint64(11)))
	})

	It("rejects duplicate sequence numbers", func() {
		r := reorder.New(reorder.Normal, 16, false)
		_, _ = r.Rsample(sampleAt(pool, owner, 5), false)
		res, _ := r.Rsample(sampleAt(pool, owner, 5), false)
		Expect(res).To(Equal(reorder.Reject))
	})

	It("delivers every sample of a shuffled sequence in order", func() {
		r := reorder.New(reorder.Normal, 16, false)

		var delivered []uint64
		for _, seq := range []uint64{4, 1, 7, 3, 8, 2, 6, 5} {
			res, chain := r.Rsample(sampleAt(pool, owner, seq), false)
			if res > 0 {
				for _, e := range chain.Entries {
					delivered = append(delivered, e.Seq)
				}
			} else {
				Expect(res).To(Equal(reorder.Accept))
			}
		}
		Expect(delivered).To(Equal([]uint64{1, 2, 3, 4, 5, 6, 7, 8}))
		Expect(r.NextSeq()).To(Equal(uint64(9)))
		Expect(r.NStored()).To(Equal(0))
	})

	It("discards stored runs and advances on DropUpto", func() {
		r := reorder.New(reorder.Normal, 16, false)
		_, _ = r.Rsample(sampleAt(pool, owner, 3), false)
		_, _ = r.Rsample(sampleAt(pool, owner, 9), false)

		r.DropUpto(5)
		Expect(r.NextSeq()).To(Equal(uint64(5)))
		Expect(r.NStored()).To(Equal(1)) // only seq=9 survives
		Expect(r.WantSample(3)).To(BeFalse())
		Expect(r.WantSample(9)).To(BeFalse())
		Expect(r.WantSample(5)).To(BeTrue())
	})

	It("emits a NACK bitmap for the holes between stored runs", func() {
		r := reorder.New(reorder.Normal, 16, false)
		_, _ = r.Rsample(sampleAt(pool, owner, 3), false)
		_, _ = r.Rsample(sampleAt(pool, owner, 5), false)

		bits := make([]uint32, 1)
		hdr, missing := r.NackMap(1, 6, bits, 32, false)
		Expect(hdr.Base).To(Equal(uint64(1)))
		Expect(hdr.NumBits).To(Equal(uint32(6)))
		Expect(missing).To(Equal(uint32(4))) // 1, 2, 4, 6
		Expect(bits[0] & 1).ToNot(BeZero())  // seq 1
		Expect(bits[0] & 2).ToNot(BeZero())  // seq 2
		Expect(bits[0] & 4).To(BeZero())     // seq 3 is stored
		Expect(bits[0] & 8).ToNot(BeZero())  // seq 4
	})

	It("limits the NACK window to stored data when noTail is set", func() {
		r := reorder.New(reorder.Normal, 16, false)
		_, _ = r.Rsample(sampleAt(pool, owner, 3), false)

		bits := make([]uint32, 1)
		hdr, missing := r.NackMap(1, 100, bits, 32, true)
		Expect(hdr.NumBits).To(Equal(uint32(3))) // capped at the stored max
		Expect(missing).To(Equal(uint32(2)))     // 1 and 2
	})

	It("keeps a duplicated head sample alive independently of the original", func() {
		r1 := reorder.New(reorder.Normal, 16, false)
		r2 := reorder.New(reorder.Normal, 16, false)

		rs := sampleAt(pool, owner, 2)
		rmsg := rs.Entries[0].Chain.Rmsg

		dup := rs.DupFirst()
		res1, _ := r1.Rsample(rs, false)
		Expect(res1).To(Equal(reorder.Accept))
		res2, _ := r2.Rsample(dup, false)
		Expect(res2).To(Equal(reorder.Accept))

		// two independently stored references: dropping one index's copy
		// must not release the rmsg.
		r1.DropUpto(10)
		Expect(rmsg.Refcount()).To(BeNumerically(">", 0))
		r2.DropUpto(10)
		Expect(rmsg.Refcount()).To(Equal(int64(0)))
	})

	It("rejects out-of-order data when the delivery queue is full in late-ack mode", func() {
		r := reorder.New(reorder.Normal, 16, true)
		res, _ := r.Rsample(sampleAt(pool, owner, 5), true)
		Expect(res).To(Equal(reorder.Reject))

		// in-sequence data still flows even with the queue full.
		res2, _ := r.Rsample(sampleAt(pool, owner, 1), true)
		Expect(res2).To(Equal(reorder.Result(1)))
	})

	It("delivers regardless of order in AlwaysDeliver mode", func() {
		r := reorder.New(reorder.AlwaysDeliver, 16, false)
		res, _ := r.Rsample(sampleAt(pool, owner, 9), false)
		Expect(res).To(Equal(reorder.Result(1)))
		Expect(r.NextSeq()).To(Equal(uint64(10)))

		// an older, not-yet-delivered seqno is still delivered, and the
		// high-water mark does not move back.
		res2, _ := r.Rsample(sampleAt(pool, owner, 4), false)
		Expect(res2).To(Equal(reorder.Result(1)))
	})
})

package defrag_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/defrag"
)

func frag(pool *arena.Pool, owner *arena.OwnerToken, min, maxp1 uint32) *arena.Rdata {
	m := pool.NewRmsg(owner)
	rd := arena.NewRdata(m, 0, 0, 0, min, maxp1)
	m.SetSize(int(maxp1 - min))
	m.Commit()
	return rd
}

var _ = Describe("Defrag", func() {
	var (
		owner *arena.OwnerToken
		pool  *arena.Pool
	)

	BeforeEach(func() {
		owner = arena.NewOwnerToken()
		pool = arena.NewPool(owner, 1<<20, 4096)
	})

	It("reassembles fragments fed out of order into one complete chain", func() {
		d := defrag.New(defrag.DropOldest, 16)
		info := defrag.SampleInfo{Seq: 1, Size: 3000}

		r1 := d.Rsample(frag(pool, owner, 2048, 3000), info)
		Expect(r1).To(BeNil())
		r2 := d.Rsample(frag(pool, owner, 0, 1024), info)
		Expect(r2).To(BeNil())
		r3 := d.Rsample(frag(pool, owner, 1024, 2048), info)
		Expect(r3).ToNot(BeNil())

		Expect(r3.Min).To(Equal(uint64(1)))
		Expect(r3.Entries).To(HaveLen(1))

		// the assembled chain must cover [0, 3000) with no gaps.
		total := uint32(0)
		for rd := r3.Entries[0].Chain; rd != nil; rd = rd.NextFrag {
			Expect(rd.Min).To(Equal(total))
			total = rd.MaxP1
		}
		Expect(total).To(Equal(uint32(3000)))
	})

	It("bypasses insertion for unfragmented data", func() {
		d := defrag.New(defrag.DropOldest, 16)
		info := defrag.SampleInfo{Seq: 7, Size: 10}
		rs := d.Rsample(frag(pool, owner, 0, 10), info)
		Expect(rs).ToNot(BeNil())
		Expect(rs.Min).To(Equal(uint64(7)))
		Expect(d.NSamples()).To(Equal(0))
	})

	It("drops the oldest sample on overflow under DropOldest", func() {
		d := defrag.New(defrag.DropOldest, 2)
		i10 := defrag.SampleInfo{Seq: 10, Size: 100}
		i20 := defrag.SampleInfo{Seq: 20, Size: 100}
		i30 := defrag.SampleInfo{Seq: 30, Size: 100}
		i5 := defrag.SampleInfo{Seq: 5, Size: 100}

		Expect(d.Rsample(frag(pool, owner, 0, 50), i10)).To(BeNil())
		Expect(d.Rsample(frag(pool, owner, 0, 50), i20)).To(BeNil())
		Expect(d.NSamples()).To(Equal(2))

		Expect(d.Rsample(frag(pool, owner, 0, 50), i30)).To(BeNil())
		Expect(d.NSamples()).To(Equal(2)) // 10 dropped, 20 and 30 remain

		r, _ := d.NackMap(10, 0, 50, make([]uint32, 1), 32)
		Expect(r).To(Equal(defrag.UnknownSample))

		Expect(d.Rsample(frag(pool, owner, 0, 50), i5)).To(BeNil())
		Expect(d.NSamples()).To(Equal(2)) // seq=5 rejected outright, still just 20/30
	})

	It("reports missing fragments via NackMap, based at the first hole", func() {
		d := defrag.New(defrag.DropLatest, 4)
		info := defrag.SampleInfo{Seq: 1, Size: 3000}
		Expect(d.Rsample(frag(pool, owner, 0, 1024), info)).To(BeNil())

		bits := make([]uint32, 1)
		result, hdr := d.NackMap(1, 0, 1024, bits, 32)
		Expect(result).To(Equal(defrag.FragmentsMissing))
		Expect(hdr.BitmapBase).To(Equal(uint32(1))) // fragment 0 is known
		Expect(hdr.NumBits).To(Equal(uint32(2)))
		Expect(bits[0] & 1).ToNot(BeZero()) // fragment 1
		Expect(bits[0] & 2).ToNot(BeZero()) // fragment 2
	})

	It("reports an all-missing map for an unknown sample with an advertised count", func() {
		d := defrag.New(defrag.DropOldest, 4)
		bits := make([]uint32, 1)
		result, hdr := d.NackMap(42, 3, 1024, bits, 32)
		Expect(result).To(Equal(defrag.FragmentsMissing))
		Expect(hdr.BitmapBase).To(Equal(uint32(0)))
		Expect(hdr.NumBits).To(Equal(uint32(3)))
		Expect(bits[0]).To(Equal(uint32(0b111)))
	})

	It("discards gapped-over partial samples and releases their fragments", func() {
		d := defrag.New(defrag.DropOldest, 16)
		rd := frag(pool, owner, 0, 512)
		rmsg := rd.Rmsg
		Expect(d.Rsample(rd, defrag.SampleInfo{Seq: 4, Size: 2000})).To(BeNil())
		Expect(d.NSamples()).To(Equal(1))

		d.NoteGap(1, 10)
		Expect(d.NSamples()).To(Equal(0))
		Expect(rmsg.Refcount()).To(Equal(int64(0)))
	})

	It("discards a duplicate fragment wholly contained in a received interval", func() {
		d := defrag.New(defrag.DropOldest, 16)
		info := defrag.SampleInfo{Seq: 2, Size: 3000}
		Expect(d.Rsample(frag(pool, owner, 0, 1024), info)).To(BeNil())

		dup := frag(pool, owner, 0, 512)
		rmsg := dup.Rmsg
		Expect(d.Rsample(dup, info)).To(BeNil())
		Expect(rmsg.Refcount()).To(Equal(int64(0))) // duplicate released on the spot

		Expect(d.Rsample(frag(pool, owner, 1024, 2048), info)).To(BeNil())
		rs := d.Rsample(frag(pool, owner, 2048, 3000), info)
		Expect(rs).ToNot(BeNil())
	})
})

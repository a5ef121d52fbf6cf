package protocol

// Records (a batch of) as the universal unit of op/packet processing.
// Batching allows for writev() and other optimizations; blobs are also
// way handier than structs once checksums or crypto get involved.
type Records [][]byte

func (recs Records) recrem(total int64) (prelen int, prerem int64) {
	for len(recs) > prelen && int64(len(recs[prelen])) <= total {
		total -= int64(len(recs[prelen]))
		prelen++
	}
	prerem = total
	return
}

// WholeRecordPrefix returns the longest prefix of whole records that
// fits in limit bytes, plus the leftover byte budget.
func (recs Records) WholeRecordPrefix(limit int64) (prefix Records, remainder int64) {
	prelen, remainder := recs.recrem(limit)
	prefix = recs[:prelen]
	return
}

// ExactSuffix returns the records remaining after total bytes have been
// consumed, copying the partially-consumed head record if necessary.
func (recs Records) ExactSuffix(total int64) (suffix Records) {
	prelen, prerem := recs.recrem(total)
	suffix = recs[prelen:]
	if prerem != 0 { // damages the original, hence copy
		edited := make(Records, 1, len(suffix))
		edited[0] = suffix[0][prerem:]
		suffix = append(edited, suffix[1:]...)
	}
	return
}

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

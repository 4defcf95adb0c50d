package netevent

const jumpMagic = uint64(2862933555777941757)

// JumpHash maps key onto one of numBuckets. Growing numBuckets by one moves
// only about 1/numBuckets of the keys. The engine uses it to pick the event
// loop owning a descriptor.
func JumpHash(key uint64, numBuckets int) int {
	var bucket int64 = -1 // bucket number before the previous jump
	var jump int64 = 0    // bucket number before the current jump
	for jump < int64(numBuckets) {
		bucket = jump
		key = key*jumpMagic + 1
		jump = int64(float64(bucket+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(bucket)
}

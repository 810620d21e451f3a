package chain

// Hardware and memory-layout assumptions.
const (
	CacheLineSize = 64

	counterSize = CacheLineSize
)

// Internal sizing and bounds.
const (
	// free는 임대되지 않은 카운터 슬롯을 표시한다.
	free int64 = -1

	firstGeneration uint32 = 1
	maxPoolSize            = 1 << 20
)

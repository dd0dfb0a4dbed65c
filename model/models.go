package model

// Query is the request payload sent to the querySmartContract endpoint.
// All fields are comparable so two queries with the same target, selector
// and input are equal.
type Query struct {
	ContractIndex uint32 `json:"contractIndex"`
	InputType     uint32 `json:"inputType"`
	InputSize     uint32 `json:"inputSize"`
	RequestData   string `json:"requestData"`
}

type QueryResult struct {
	ResponseData string `json:"responseData"`
}

type TickInfo struct {
	Tick        uint32 `json:"tick"`
	Duration    uint32 `json:"duration"`
	Epoch       uint32 `json:"epoch"`
	InitialTick uint32 `json:"initialTick"`
}

type Balance struct {
	ID                         string `json:"id"`
	Balance                    string `json:"balance"`
	ValidForTick               uint32 `json:"validForTick"`
	LatestIncomingTransferTick uint32 `json:"latestIncomingTransferTick"`
	LatestOutgoingTransferTick uint32 `json:"latestOutgoingTransferTick"`
	IncomingAmount             string `json:"incomingAmount"`
	OutgoingAmount             string `json:"outgoingAmount"`
}

type LatestStats struct {
	Timestamp                string  `json:"timestamp"`
	CirculatingSupply        string  `json:"circulatingSupply"`
	ActiveAddresses          int64   `json:"activeAddresses"`
	Price                    float64 `json:"price"`
	MarketCap                string  `json:"marketCap"`
	Epoch                    uint32  `json:"epoch"`
	CurrentTick              uint32  `json:"currentTick"`
	TicksInCurrentEpoch      uint32  `json:"ticksInCurrentEpoch"`
	EmptyTicksInCurrentEpoch uint32  `json:"emptyTicksInCurrentEpoch"`
	EpochTickQuality         float64 `json:"epochTickQuality"`
	BurnedQus                string  `json:"burnedQus"`
}

// LockInfo is the per-epoch lock record held by the staking contract.
type LockInfo struct {
	LockAmount          uint64  `json:"lockAmount"`
	BonusAmount         uint64  `json:"bonusAmount"`
	CurrentLockedAmount uint64  `json:"currentLockedAmount"`
	CurrentBonusAmount  uint64  `json:"currentBonusAmount"`
	YieldPercentage     float64 `json:"yieldPercentage"`
}

// BurnBoostStats is the per-epoch burned/boosted record held by the staking contract.
type BurnBoostStats struct {
	BurnAmount      uint64  `json:"burnAmount"`
	BurnPercent     float64 `json:"burnPercent"`
	BoostAmount     uint64  `json:"boostAmount"`
	BoostPercent    float64 `json:"boostPercent"`
	RewardedAmount  uint64  `json:"rewardedAmount"`
	RewardedPercent float64 `json:"rewardedPercent"`
}

type EpochRecord struct {
	Epoch uint32 `json:"epoch"`
	LockInfo
	BurnBoostStats
}

type AggregateStats struct {
	TotalInitialLockAmount  uint64                 `json:"totalInitialLockAmount"`
	TotalInitialBonusAmount uint64                 `json:"totalInitialBonusAmount"`
	TotalLockAmount         uint64                 `json:"totalLockAmount"`
	TotalBonusAmount        uint64                 `json:"totalBonusAmount"`
	AverageYieldPercentage  float64                `json:"averageYieldPercentage"`
	Epochs                  map[uint32]EpochRecord `json:"epochs"`
}

type LoadingProgress struct {
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Message   string `json:"message"`
	Failed    int    `json:"failed"`
	Succeeded int    `json:"succeeded"`
}

// FetchError is a discrete failure event. Timestamp is unix milliseconds.
type FetchError struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Context   string `json:"context,omitempty"`
}

type QueryStats struct {
	TotalRequests      uint64  `json:"totalRequests"`
	SuccessfulRequests uint64  `json:"successfulRequests"`
	FailedRequests     uint64  `json:"failedRequests"`
	QueueLength        int     `json:"queueLength"`
	IsProcessing       bool    `json:"isProcessing"`
	SuccessRate        float64 `json:"successRate"`
}

type LoadingFlag int

const (
	LoadingInitial LoadingFlag = iota
	LoadingDataFetching
	LoadingEpochData
	LoadingTickInfo
)

// FailureSummary is the item outcome of a finished window fetch.
type FailureSummary struct {
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

type LoadingState struct {
	IsInitialLoading   bool            `json:"isInitialLoading"`
	IsDataFetching     bool            `json:"isDataFetching"`
	IsEpochDataLoading bool            `json:"isEpochDataLoading"`
	IsTickInfoLoading  bool            `json:"isTickInfoLoading"`
	LoadingProgress    LoadingProgress `json:"loadingProgress"`
	FetchErrors        []FetchError    `json:"fetchErrors"`
	ShouldShowErrors   bool            `json:"shouldShowErrors"`
}

type NotificationTier string

const (
	TierRateLimited NotificationTier = "rate_limited"
	TierPartial     NotificationTier = "partial"
	TierMinor       NotificationTier = "minor"
)

// Notification is a user-facing warning derived from recent fetch failures.
// DurationMs is how long it should stay visible.
type Notification struct {
	Tier        NotificationTier `json:"tier"`
	Message     string           `json:"message"`
	DurationMs  int64            `json:"durationMs"`
	FailureRate float64          `json:"failureRate"`
	ErrorCount  int              `json:"errorCount"`
}

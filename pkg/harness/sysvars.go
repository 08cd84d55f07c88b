package harness

// Sysvar defaults.
const (
	DefaultSlotsPerEpoch            = uint64(432_000)
	DefaultLeaderScheduleSlotOffset = uint64(432_000)
	DefaultLamportsPerByteYear      = uint64(3480)
	DefaultExemptionThreshold       = 2.0
	DefaultBurnPercent              = uint8(50)

	// Slot timing used to derive wall-clock timestamps from slots.
	slotDurationNanos = 400_000_000

	// accountStorageOverhead is the per-account byte overhead charged rent.
	accountStorageOverhead = 128
)

// Clock mirrors the clock sysvar: the slot the environment claims to be at
// and its derived fields.
type Clock struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	UnixTimestamp       int64
}

// EpochSchedule describes how slots map to epochs.
type EpochSchedule struct {
	SlotsPerEpoch            uint64
	LeaderScheduleSlotOffset uint64
	Warmup                   bool
	FirstNormalEpoch         uint64
	FirstNormalSlot          uint64
}

// Rent holds the rent parameters programs observe.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  float64
	BurnPercent         uint8
}

// MinimumBalance returns the rent-exempt minimum for an account with the
// given data length.
func (r Rent) MinimumBalance(dataLen uint64) uint64 {
	bytes := accountStorageOverhead + dataLen
	return uint64(float64(bytes*r.LamportsPerByteYear) * r.ExemptionThreshold)
}

// Sysvars is the environment's sysvar snapshot. Mutate via WarpToSlot; the
// fields are exported for tests that need a specific shape.
type Sysvars struct {
	Clock         Clock
	EpochSchedule EpochSchedule
	Rent          Rent
}

// DefaultSysvars returns the snapshot a fresh harness starts with: slot 0,
// epoch 0, standard rent parameters.
func DefaultSysvars() Sysvars {
	return Sysvars{
		EpochSchedule: EpochSchedule{
			SlotsPerEpoch:            DefaultSlotsPerEpoch,
			LeaderScheduleSlotOffset: DefaultLeaderScheduleSlotOffset,
		},
		Rent: Rent{
			LamportsPerByteYear: DefaultLamportsPerByteYear,
			ExemptionThreshold:  DefaultExemptionThreshold,
			BurnPercent:         DefaultBurnPercent,
		},
	}
}

// WarpToSlot moves the clock to the given slot and recomputes every
// slot-derived field. The result depends only on the slot number, so
// warping to the same slot twice is a no-op.
func (s *Sysvars) WarpToSlot(slot uint64) {
	spe := s.EpochSchedule.SlotsPerEpoch
	if spe == 0 {
		spe = DefaultSlotsPerEpoch
	}

	epoch := slot / spe
	epochStartSlot := epoch * spe

	s.Clock.Slot = slot
	s.Clock.Epoch = epoch
	s.Clock.LeaderScheduleEpoch = epoch + 1
	s.Clock.UnixTimestamp = int64(slot) * slotDurationNanos / 1_000_000_000
	s.Clock.EpochStartTimestamp = int64(epochStartSlot) * slotDurationNanos / 1_000_000_000
}

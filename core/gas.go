package core

// gas.go – the flat gas schedule, the per-transaction meter and the static
// estimator. The schedule is operator-tunable via TOML; the meter keeps a
// per-operation breakdown for receipts and debugging.

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// GasSchedule enumerates the cost of every metered operation.
type GasSchedule struct {
	TxBase          uint64 `toml:"tx_base"`
	TxDataPerByte   uint64 `toml:"tx_data_per_byte"`
	AccountCreation uint64 `toml:"account_creation"`
	StorageWrite    uint64 `toml:"storage_write"`
	StorageRead     uint64 `toml:"storage_read"`
	BalanceTransfer uint64 `toml:"balance_transfer"`
	ContractCall    uint64 `toml:"contract_call"`
	MemoryPerByte   uint64 `toml:"memory_per_byte"`
	CPUInstruction  uint64 `toml:"cpu_instruction"`
}

// DefaultGasSchedule returns the network launch costs.
func DefaultGasSchedule() GasSchedule {
	return GasSchedule{
		TxBase:          21_000,
		TxDataPerByte:   68,
		AccountCreation: 32_000,
		StorageWrite:    20_000,
		StorageRead:     800,
		BalanceTransfer: 9_000,
		ContractCall:    700,
		MemoryPerByte:   3,
		CPUInstruction:  1,
	}
}

// GasScheduleFromTOML parses a schedule from TOML text.
func GasScheduleFromTOML(data []byte) (GasSchedule, error) {
	schedule := DefaultGasSchedule()
	if err := toml.Unmarshal(data, &schedule); err != nil {
		return GasSchedule{}, fmt.Errorf("parse gas schedule: %w", err)
	}
	return schedule, nil
}

// LoadGasSchedule reads a schedule from a TOML file.
func LoadGasSchedule(path string) (GasSchedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GasSchedule{}, fmt.Errorf("read gas schedule: %w", err)
	}
	return GasScheduleFromTOML(data)
}

// ToTOML serialises the schedule.
func (s GasSchedule) ToTOML() ([]byte, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode gas schedule: %w", err)
	}
	return data, nil
}

// TransactionCost is the base cost plus the per-byte data charge.
func (s GasSchedule) TransactionCost(dataSize int) uint64 {
	return s.TxBase + uint64(dataSize)*s.TxDataPerByte
}

// StorageOp selects between the two storage cost rows.
type StorageOp uint8

const (
	StorageOpRead StorageOp = iota
	StorageOpWrite
)

// StorageCost returns the cost of a storage operation.
func (s GasSchedule) StorageCost(op StorageOp) uint64 {
	if op == StorageOpWrite {
		return s.StorageWrite
	}
	return s.StorageRead
}

//---------------------------------------------------------------------
// Meter
//---------------------------------------------------------------------

// GasMeter tracks consumption against a limit with a per-operation breakdown.
type GasMeter struct {
	limit     uint64
	consumed  uint64
	schedule  GasSchedule
	breakdown map[string]uint64
}

// NewGasMeter returns a meter for one transaction.
func NewGasMeter(limit uint64, schedule GasSchedule) *GasMeter {
	return &GasMeter{
		limit:     limit,
		schedule:  schedule,
		breakdown: make(map[string]uint64),
	}
}

// Remaining is the unspent headroom.
func (m *GasMeter) Remaining() uint64 {
	if m.consumed > m.limit {
		return 0
	}
	return m.limit - m.consumed
}

// Consumed is the gas spent so far.
func (m *GasMeter) Consumed() uint64 { return m.consumed }

// Limit is the transaction ceiling.
func (m *GasMeter) Limit() uint64 { return m.limit }

// CheckGas verifies the meter can absorb the demand without mutating it.
func (m *GasMeter) CheckGas(required uint64) error {
	if m.consumed+required > m.limit {
		return &OutOfGasError{Required: required, Available: m.Remaining()}
	}
	return nil
}

// Consume charges gas under the given operation tag.
func (m *GasMeter) Consume(amount uint64, operation string) error {
	if err := m.CheckGas(amount); err != nil {
		return err
	}
	m.consumed += amount
	m.breakdown[operation] += amount
	return nil
}

// ConsumeTxBase charges the base transaction cost including the data charge.
func (m *GasMeter) ConsumeTxBase(dataSize int) error {
	return m.Consume(m.schedule.TransactionCost(dataSize), "tx_base")
}

// ConsumeTransfer charges the balance-transfer cost.
func (m *GasMeter) ConsumeTransfer() error {
	return m.Consume(m.schedule.BalanceTransfer, "transfer")
}

// ConsumeAccountCreation charges the account-creation cost.
func (m *GasMeter) ConsumeAccountCreation() error {
	return m.Consume(m.schedule.AccountCreation, "account_creation")
}

// ConsumeStorage charges a storage read or write.
func (m *GasMeter) ConsumeStorage(op StorageOp) error {
	tag := "storage_read"
	if op == StorageOpWrite {
		tag = "storage_write"
	}
	return m.Consume(m.schedule.StorageCost(op), tag)
}

// ConsumeContractCall charges the call stipend.
func (m *GasMeter) ConsumeContractCall() error {
	return m.Consume(m.schedule.ContractCall, "contract_call")
}

// ConsumeMemory charges per allocated byte.
func (m *GasMeter) ConsumeMemory(bytes int) error {
	return m.Consume(uint64(bytes)*m.schedule.MemoryPerByte, "memory")
}

// ConsumeInstructions charges per executed instruction.
func (m *GasMeter) ConsumeInstructions(count uint64) error {
	return m.Consume(count*m.schedule.CPUInstruction, "cpu")
}

// Refund returns gas to the meter; the subtraction saturates at zero.
func (m *GasMeter) Refund(amount uint64, operation string) {
	if amount > m.consumed {
		m.consumed = 0
	} else {
		m.consumed -= amount
	}
	if current, ok := m.breakdown[operation]; ok {
		if amount > current {
			m.breakdown[operation] = 0
		} else {
			m.breakdown[operation] = current - amount
		}
	}
}

// Breakdown exposes the per-operation consumption table.
func (m *GasMeter) Breakdown() map[string]uint64 { return m.breakdown }

// Reset rearms the meter for a new transaction.
func (m *GasMeter) Reset(newLimit uint64) {
	m.limit = newLimit
	m.consumed = 0
	m.breakdown = make(map[string]uint64)
}

// CalculateCost converts the consumed gas into a fee at the given price.
func (m *GasMeter) CalculateCost(gasPrice uint64) uint64 {
	return m.consumed * gasPrice
}

//---------------------------------------------------------------------
// Static estimator
//---------------------------------------------------------------------

// GasEstimator prices common operation shapes without running them.
type GasEstimator struct {
	schedule GasSchedule
}

// NewGasEstimator returns an estimator over the given schedule.
func NewGasEstimator(schedule GasSchedule) *GasEstimator {
	return &GasEstimator{schedule: schedule}
}

// EstimateTransfer prices a plain transfer with the given payload size.
func (e *GasEstimator) EstimateTransfer(dataSize int) uint64 {
	return e.schedule.TransactionCost(dataSize) + e.schedule.BalanceTransfer
}

// EstimateContractDeploy prices a deployment of the given code size.
func (e *GasEstimator) EstimateContractDeploy(codeSize, dataSize int) uint64 {
	return e.schedule.TransactionCost(dataSize) +
		e.schedule.AccountCreation +
		uint64(codeSize)*e.schedule.MemoryPerByte
}

// EstimateContractCall prices a call with the given input size.
func (e *GasEstimator) EstimateContractCall(dataSize int) uint64 {
	return e.schedule.TransactionCost(dataSize) + e.schedule.ContractCall
}

package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RegistryABI is the interface of the on-chain registry contract.
const RegistryABI = `[
	{"type":"function","name":"record","stateMutability":"nonpayable",
	 "inputs":[{"name":"fingerprint","type":"bytes32"},{"name":"owner","type":"address"},{"name":"storageRef","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"lookup","stateMutability":"view",
	 "inputs":[{"name":"fingerprint","type":"bytes32"}],
	 "outputs":[{"name":"owner","type":"address"},{"name":"storageRef","type":"string"},{"name":"recordedAt","type":"uint256"},{"name":"blockNumber","type":"uint256"}]},
	{"type":"event","name":"Recorded","anonymous":false,
	 "inputs":[{"name":"fingerprint","type":"bytes32","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"storageRef","type":"string","indexed":false}]}
]`

var registryABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		panic("evm: invalid registry ABI: " + err.Error())
	}
	return parsed
}

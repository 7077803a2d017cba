package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract interfaces consumed by the relay. Only the functions and events the
// engine actually touches are declared; the on-chain contracts carry more.

const registryABIJSON = `[
  {"type":"function","name":"getContractAddressByName","stateMutability":"view",
   "inputs":[{"name":"_name","type":"string"}],
   "outputs":[{"name":"","type":"address"}]}
]`

const controllerABIJSON = `[
  {"type":"function","name":"getPersonalAccount","stateMutability":"view",
   "inputs":[{"name":"_xrplAddress","type":"string"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getXrplProviderWallets","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"string[]"}]},
  {"type":"function","name":"getInstructionFee","stateMutability":"view",
   "inputs":[{"name":"_instructionId","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getVaults","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"ids","type":"uint256[]"},{"name":"addresses","type":"address[]"},{"name":"vaultTypes","type":"uint8[]"}]},
  {"type":"function","name":"getAgentVaults","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"ids","type":"uint256[]"},{"name":"addresses","type":"address[]"}]},
  {"type":"event","name":"FXrpTransferred","anonymous":false,
   "inputs":[
     {"name":"personalAccount","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Deposited","anonymous":false,
   "inputs":[
     {"name":"personalAccount","type":"address","indexed":true},
     {"name":"vault","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"shares","type":"uint256","indexed":false}]}
]`

const assetManagerABIJSON = `[
  {"type":"event","name":"CollateralReserved","anonymous":false,
   "inputs":[
     {"name":"agentVault","type":"address","indexed":true},
     {"name":"minter","type":"address","indexed":true},
     {"name":"collateralReservationId","type":"uint256","indexed":true},
     {"name":"valueUBA","type":"uint256","indexed":false},
     {"name":"feeUBA","type":"uint256","indexed":false},
     {"name":"firstUnderlyingBlock","type":"uint256","indexed":false},
     {"name":"lastUnderlyingBlock","type":"uint256","indexed":false},
     {"name":"lastUnderlyingTimestamp","type":"uint256","indexed":false},
     {"name":"paymentAddress","type":"string","indexed":false},
     {"name":"paymentReference","type":"bytes32","indexed":false},
     {"name":"executor","type":"address","indexed":false},
     {"name":"executorFeeNatWei","type":"uint256","indexed":false}]},
  {"type":"event","name":"MintingExecuted","anonymous":false,
   "inputs":[
     {"name":"agentVault","type":"address","indexed":true},
     {"name":"collateralReservationId","type":"uint256","indexed":true},
     {"name":"mintedAmountUBA","type":"uint256","indexed":false},
     {"name":"agentFeeUBA","type":"uint256","indexed":false},
     {"name":"poolFeeUBA","type":"uint256","indexed":false}]},
  {"type":"event","name":"RedemptionRequested","anonymous":false,
   "inputs":[
     {"name":"redeemer","type":"address","indexed":true},
     {"name":"requestId","type":"uint256","indexed":true},
     {"name":"amountUBA","type":"uint256","indexed":false},
     {"name":"paymentAddress","type":"string","indexed":false},
     {"name":"value","type":"uint256","indexed":false},
     {"name":"firstUnderlyingBlock","type":"uint256","indexed":false},
     {"name":"lastUnderlyingBlock","type":"uint256","indexed":false},
     {"name":"lastUnderlyingTimestamp","type":"uint256","indexed":false},
     {"name":"paymentReference","type":"bytes32","indexed":false},
     {"name":"executor","type":"address","indexed":true},
     {"name":"executorFeeNatWei","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const poolABIJSON = `[
  {"type":"function","name":"payoutToXRP","stateMutability":"nonpayable",
   "inputs":[{"name":"_lots","type":"uint256"},{"name":"_targetXrpAddress","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getFXRPAddress","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getSettings","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"lotSizeAMG","type":"uint256"},{"name":"assetDecimals","type":"uint256"}]}
]`

const fdcHubABIJSON = `[
  {"type":"function","name":"requestAttestation","stateMutability":"payable",
   "inputs":[{"name":"_data","type":"bytes"}],
   "outputs":[]}
]`

const fdcFeeABIJSON = `[
  {"type":"function","name":"getRequestFee","stateMutability":"view",
   "inputs":[{"name":"_data","type":"bytes"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const systemsManagerABIJSON = `[
  {"type":"function","name":"firstVotingRoundStartTs","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"votingEpochDurationSeconds","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint64"}]}
]`

const policyABIJSON = `[
  {"type":"function","name":"claim","stateMutability":"nonpayable",
   "inputs":[{"name":"_merkleProof","type":"bytes32[]"},{"name":"_data","type":"bytes"}],
   "outputs":[]}
]`

var (
	RegistryABI       = mustABI(registryABIJSON)
	ControllerABI     = mustABI(controllerABIJSON)
	AssetManagerABI   = mustABI(assetManagerABIJSON)
	ERC20ABI          = mustABI(erc20ABIJSON)
	PoolABI           = mustABI(poolABIJSON)
	FdcHubABI         = mustABI(fdcHubABIJSON)
	FdcFeeABI         = mustABI(fdcFeeABIJSON)
	SystemsManagerABI = mustABI(systemsManagerABIJSON)
	PolicyABI         = mustABI(policyABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

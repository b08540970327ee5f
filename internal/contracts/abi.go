// Package contracts holds the ABIs of the deployed rental contracts.
package contracts

// RentalFactoryABI creates and indexes rental agreements.
const RentalFactoryABI = `[
  {"type":"function","name":"createRental","stateMutability":"payable",
   "inputs":[{"name":"tenant","type":"address"},{"name":"itemId","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"deposit","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getRentalCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getUserRentals","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"getAllRentals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"event","name":"RentalCreated","anonymous":false,
   "inputs":[{"name":"tenant","type":"address","indexed":false},{"name":"owner","type":"address","indexed":false},{"name":"itemId","type":"uint256","indexed":false},{"name":"agreementId","type":"address","indexed":false}]}
]`

// RentalAgreementABI is the per-deal escrow contract.
const RentalAgreementABI = `[
  {"type":"function","name":"payDeposit","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"completeRental","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"cancelRental","stateMutability":"nonpayable","inputs":[{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"extendRental","stateMutability":"payable","inputs":[{"name":"newDuration","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"openDispute","stateMutability":"nonpayable","inputs":[{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[{"name":"tenantShare","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getRentalInfo","stateMutability":"view","inputs":[],
   "outputs":[{"name":"tenant","type":"address"},{"name":"owner","type":"address"},{"name":"itemId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"duration","type":"uint256"},{"name":"deposit","type":"uint256"},{"name":"status","type":"uint8"},{"name":"startTime","type":"uint256"}]},
  {"type":"function","name":"getContractBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"DepositPaid","anonymous":false,
   "inputs":[{"name":"tenant","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RentalCompleted","anonymous":false,
   "inputs":[{"name":"tenant","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DepositRefunded","anonymous":false,
   "inputs":[{"name":"recipient","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RentalCancelled","anonymous":false,
   "inputs":[{"name":"initiator","type":"address","indexed":false},{"name":"reason","type":"string","indexed":false}]}
]`

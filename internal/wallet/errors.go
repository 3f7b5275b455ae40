package wallet

import "errors"

// Wallet errors.
var (
	ErrEntropySource         = errors.New("entropy source unavailable")
	ErrInvalidDerivationPath = errors.New("invalid derivation path")
	ErrInvalidMnemonic       = errors.New("invalid mnemonic")
	ErrInvalidSecret         = errors.New("invalid wallet secret")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrUnknownFlavor         = errors.New("unknown wallet flavor")
	ErrUnsupported           = errors.New("operation not supported for wallet flavor")
	ErrWiped                 = errors.New("wallet secret has been wiped")
)

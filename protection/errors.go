package protection

import "errors"

// Sentinel errors surfaced by the registry and the execution engine. Callers
// branch on these with errors.Is; everything else is a wrapped collaborator
// failure.
var (
	ErrInstructionNotFound    = errors.New("protection: instruction not found")
	ErrNotOwner               = errors.New("protection: caller is not the instruction owner")
	ErrThresholdNotMet        = errors.New("protection: health factor above threshold")
	ErrAssetNotWhitelisted    = errors.New("protection: asset not whitelisted")
	ErrInvalidThreshold       = errors.New("protection: wanted health factor must exceed threshold")
	ErrInsufficientSwapOutput = errors.New("protection: swap output below required debt repayment")
	ErrHealthFactorGoalMissed = errors.New("protection: post-deleverage health factor below wanted")
	ErrUnauthorized           = errors.New("protection: caller is not the service owner")
	ErrFeeTooHigh             = errors.New("protection: fee exceeds ceiling")
)

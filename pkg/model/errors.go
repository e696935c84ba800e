package model

import "github.com/m-mizutani/goerr/v2"

var (
	// Query pipeline errors
	ErrQueryDecomposition = goerr.New("query decomposition failed")
	ErrRetrievalPlanning  = goerr.New("retrieval planning failed")
	ErrReasoning          = goerr.New("reasoning failed")
	ErrSynthesis          = goerr.New("synthesis failed")
	ErrDeadlineExceeded   = goerr.New("deadline exceeded")

	// Content store errors
	ErrInformationManagement = goerr.New("information management failed")
	ErrVersionConflict       = goerr.New("version conflict")
	ErrContentNotFound       = goerr.New("content not found")
	ErrConflictNotFound      = goerr.New("conflict not found")

	ErrConfiguration = goerr.New("invalid configuration")
)

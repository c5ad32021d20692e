package ca

import "errors"

var (
	ErrLoadCA     = errors.New("ca: load root certificate")
	ErrGenerateCA = errors.New("ca: generate root certificate")
	ErrSaveCA     = errors.New("ca: persist root certificate")
	ErrMintLeaf   = errors.New("ca: mint leaf certificate")
)

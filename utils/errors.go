package utils

import (
	"errors"
	"fmt"
)

type MedChainError struct {
	Code        string
	Description string
	Details     string
}

var knownErrors = Set[string]{}

func NewMedChainError(code string, description string) MedChainError {
	if knownErrors.Has(code) {
		panic("Duplicate error: " + code)
	}
	knownErrors.Add(code)
	return MedChainError{
		Code:        code,
		Description: description,
	}
}

func (err MedChainError) Error() string {
	var text = err.Code
	if err.Description != "" {
		text = text + " - " + err.Description
	}
	if err.Details != "" {
		text = text + " : " + err.Details
	}
	return text
}

func (err MedChainError) Is(target error) bool {
	var medChainErrorTarget MedChainError
	if errors.As(target, &medChainErrorTarget) {
		return medChainErrorTarget.Code == err.Code
	} else {
		return false
	}
}

func (err MedChainError) AddDetails(details string) MedChainError {
	if err.Details != "" {
		panic("Cannot re-add details to an error")
	}
	newErr := err
	newErr.Details = details
	return newErr
}

type APIError struct {
	Status  int
	Url     string
	Method  string
	Code    string
	Details string
	Raw     string
}

func (err APIError) Error() string {
	s := fmt.Sprintf("API Error: status: %d", err.Status)
	if err.Code != "" {
		s += "; code: " + err.Code
	}
	if err.Details != "" {
		s += "; details: " + err.Details
	}
	if err.Url != "" {
		s += "; URL: " + err.Url
	}
	if err.Method != "" {
		s += "; Method: " + err.Method
	}
	if err.Raw != "" {
		s += "; raw: " + err.Raw
	}
	return s
}

func (err APIError) Is(target error) bool {
	var apiErrorTarget APIError
	if errors.As(target, &apiErrorTarget) {
		return apiErrorTarget.Status == err.Status && apiErrorTarget.Code == err.Code
	} else {
		return false
	}
}

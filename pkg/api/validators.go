package api

import (
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// priority restricts trigger payloads to the known queue priorities.
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "", "high", "normal", "low":
				return true
			}
			return false
		})
	}
}

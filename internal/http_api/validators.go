package http_api

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

var validatorsOnce sync.Once

// registerValidators adds the txhash and currency tags to gin's validator and makes
// validation errors report JSON field names.
func registerValidators(log *logger.Logger) {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			log.Warn("gin validator engine is not go-playground/validator, custom tags not registered")
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})
		if err := v.RegisterValidation("txhash", func(fl validator.FieldLevel) bool {
			return validation.ValidateTxHash(strings.TrimSpace(fl.Field().String())) == nil
		}); err != nil {
			log.Error("Failed to register txhash validator: ", err)
		}
		if err := v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return validation.ValidateCurrency(strings.ToUpper(strings.TrimSpace(fl.Field().String()))) == nil
		}); err != nil {
			log.Error("Failed to register currency validator: ", err)
		}
	})
}

// bindingError turns a binding failure into a message and the first offending field.
func bindingError(err error) (string, string) {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Invalid request body: " + err.Error(), ""
	}
	var messages []string
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			messages = append(messages, fe.Field()+" is required")
		case "gt":
			messages = append(messages, fe.Field()+" must be greater than "+fe.Param())
		case "oneof":
			messages = append(messages, fe.Field()+" must be one of: "+fe.Param())
		case "txhash":
			messages = append(messages, fe.Field()+" must be a 32 byte hex transaction hash")
		case "currency":
			messages = append(messages, fe.Field()+" must be a currency code such as ETH or USD")
		default:
			messages = append(messages, fe.Field()+" is invalid")
		}
	}
	return strings.Join(messages, "; "), verrs[0].Field()
}

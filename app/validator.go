package chatter

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {

	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// lowercase first letter of the field
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.ToLower(field.Name)
	})

	register := func(tag, text string, withParam bool) {
		validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			name := strings.TrimPrefix(fe.Namespace(), "Config.")
			if withParam {
				t, _ := ut.T(tag, name, fe.Param())
				return t
			}
			t, _ := ut.T(tag, name)
			return t
		})
	}

	register("required", "{0} is a required field", false)
	register("url", "{0} must be a valid URL", false)
	register("hostname_port", "{0} must be a host:port address", false)
	register("min", "{0} must be at least {1}", true)
	register("gt", "{0} must be greater than {1}", true)
}

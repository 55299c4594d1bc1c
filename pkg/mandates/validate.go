package mandates

import (
	"fmt"
	"reflect"
	"strings"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// validateStruct runs tag validation and names the first failing field
// relative to root.
func validateStruct(root string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, root+" is invalid")
	}
	details := map[string]string{}
	for _, fieldErr := range errs {
		details[fieldPath(root, fieldErr.Namespace())] = validationMessage(fieldErr)
	}
	first := errs[0]
	return pkgerrors.Newf(pkgerrors.CodeValidation, "%s %s",
		fieldPath(root, first.Namespace()), validationMessage(first)).WithDetails(details)
}

func fieldPath(root, namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return root + "." + rest
	}
	return root
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "len":
		return fmt.Sprintf("must have length %s", fe.Param())
	}
	return "is invalid"
}

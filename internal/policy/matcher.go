package policy

/*
Файл matcher.go реализует Condition Matcher — чистую функцию проверки
одного предиката против извлеченного значения поля запроса.

Контракт: детерминированность и тотальность. Для любого JSON-представимого
входа функция возвращает bool и никогда не паникует: нечисловое значение
проваливает числовой оператор, невалидный regex трактуется как несовпадение.
*/

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"

	"github.com/xela07ax/permgate/internal/domain"
)

// Match проверяет, удовлетворяет ли значение всем операторам условия (AND).
// value == nil означает «поле отсутствует либо равно null».
func Match(value any, cond domain.Condition) bool {
	// Exists проверяется первым: он осмыслен и для отсутствующих значений
	if cond.Exists != nil {
		if *cond.Exists != (value != nil) {
			return false
		}
	}

	if cond.Equals != nil && !strictEqual(value, cond.Equals) {
		return false
	}
	if cond.NotEquals != nil && strictEqual(value, cond.NotEquals) {
		return false
	}

	if !matchNumeric(value, cond) {
		return false
	}
	if !matchString(value, cond) {
		return false
	}

	if cond.In != nil && !member(value, cond.In) {
		return false
	}
	if cond.NotIn != nil && member(value, cond.NotIn) {
		return false
	}

	return true
}

func matchNumeric(value any, cond domain.Condition) bool {
	if cond.LessThan == nil && cond.GreaterThan == nil &&
		cond.LessThanOrEqual == nil && cond.GreaterThanOrEqual == nil {
		return true
	}

	// Нечисловое значение проваливает условие, но не роняет движок
	num, ok := asNumber(value)
	if !ok {
		return false
	}

	if cond.LessThan != nil && !(num < *cond.LessThan) {
		return false
	}
	if cond.GreaterThan != nil && !(num > *cond.GreaterThan) {
		return false
	}
	if cond.LessThanOrEqual != nil && !(num <= *cond.LessThanOrEqual) {
		return false
	}
	if cond.GreaterThanOrEqual != nil && !(num >= *cond.GreaterThanOrEqual) {
		return false
	}
	return true
}

func matchString(value any, cond domain.Condition) bool {
	if cond.StartsWith == nil && cond.EndsWith == nil &&
		cond.Contains == nil && cond.Matches == nil {
		return true
	}

	s, ok := value.(string)
	if !ok {
		return false
	}

	if cond.StartsWith != nil && !strings.HasPrefix(s, *cond.StartsWith) {
		return false
	}
	if cond.EndsWith != nil && !strings.HasSuffix(s, *cond.EndsWith) {
		return false
	}
	if cond.Contains != nil && !strings.Contains(s, *cond.Contains) {
		return false
	}
	if cond.Matches != nil {
		// Паттерн валидируется при создании политики, но БД может содержать
		// старые записи: битый regex здесь — несовпадение, не ошибка
		re, err := regexp.Compile(*cond.Matches)
		if err != nil {
			return false
		}
		if !re.MatchString(s) {
			return false
		}
	}
	return true
}

// strictEqual — строгое равенство: тип и значение. Единственное послабление —
// числа: JSON-декодер отдает float64, а политика могла быть создана с int.
func strictEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}
	return reflect.DeepEqual(a, b)
}

func member(value any, set []any) bool {
	for _, item := range set {
		if strictEqual(value, item) {
			return true
		}
	}
	return false
}

// asNumber приводит любое JSON-число к float64 без паники
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

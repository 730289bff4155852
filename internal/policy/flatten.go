package policy

import (
	"strings"
)

// EvalRequest — входной запрос на разрешение в том виде,
// в котором его видит Policy Engine
type EvalRequest struct {
	AgentID  string
	Action   string
	Resource string
	Scope    map[string]any
	Context  map[string]any
}

// resolveField извлекает значение по пути условия. Вместо универсальной
// рефлексии — закрытый набор неймспейсов: action, resource, agent_id,
// scope.* и context.*. Неизвестный путь дает nil (поле отсутствует).
//
// Вложенные объекты раскрываются ровно настолько, насколько автор политики
// явно указал точек в пути: "scope.limits.daily" достанет scope["limits"]["daily"].
func resolveField(req EvalRequest, path string) any {
	switch path {
	case "action":
		return nonEmpty(req.Action)
	case "resource":
		return nonEmpty(req.Resource)
	case "agent_id":
		return nonEmpty(req.AgentID)
	}

	if key, ok := strings.CutPrefix(path, "scope."); ok {
		return lookupPath(req.Scope, key)
	}
	if key, ok := strings.CutPrefix(path, "context."); ok {
		return lookupPath(req.Context, key)
	}
	return nil
}

// lookupPath спускается по мапе по точечному пути
func lookupPath(m map[string]any, path string) any {
	if m == nil {
		return nil
	}

	keys := strings.Split(path, ".")
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[k]
		if !ok {
			return nil
		}
	}
	return cur
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MergeScope выполняет глубокое слияние scope запроса с шаблоном политики.
// Шаблон главнее при пересечении ключей; вложенные объекты сливаются
// рекурсивно, скалярные значения шаблона просто замещают.
func MergeScope(requestScope, template map[string]any) map[string]any {
	if len(template) == 0 {
		return requestScope
	}

	merged := make(map[string]any, len(requestScope)+len(template))
	for k, v := range requestScope {
		merged[k] = v
	}

	for k, tv := range template {
		tObj, tIsObj := tv.(map[string]any)
		rObj, rIsObj := merged[k].(map[string]any)
		if tIsObj && rIsObj {
			merged[k] = MergeScope(rObj, tObj)
			continue
		}
		merged[k] = tv
	}
	return merged
}

package plan

import (
	"sort"
)

// Compile 将文档中的步骤编译为可执行计划：构建依赖图、分层、
// 计算关键路径与并行组，并聚合成本与耗时。存在环路时立即失败。
func Compile(doc *Document) (*Plan, error) {
	if doc == nil {
		return nil, ErrCircularDependency
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	steps := make([]Step, len(doc.Steps))
	copy(steps, doc.Steps)

	index := make(map[string]*Step, len(steps))
	dag := make(map[string][]string, len(steps))
	for i := range steps {
		index[steps[i].ID] = &steps[i]
		deps := make([]string, len(steps[i].Dependencies))
		copy(deps, steps[i].Dependencies)
		dag[steps[i].ID] = deps
	}

	levels, err := levelize(steps)
	if err != nil {
		return nil, err
	}

	totalCost := 0.0
	for _, step := range steps {
		totalCost += step.EstimatedCost
	}

	p := &Plan{
		Steps:              steps,
		DAG:                dag,
		CriticalPath:       criticalPath(steps, index),
		ParallelGroups:     parallelGroups(steps, index, levels),
		TotalEstimatedCost: totalCost,
		TotalEstimatedTime: totalTime(index, levels),
		levels:             levels,
		index:              index,
	}
	return p, nil
}

// levelize 以入度归零的方式迭代抽取层级。若仍有剩余步骤却没有入度
// 为零的节点，说明依赖图成环。
func levelize(steps []Step) ([][]string, error) {
	inDegree := make(map[string]int, len(steps))
	for _, step := range steps {
		inDegree[step.ID] = len(step.Dependencies)
	}

	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var levels [][]string
	remaining := len(inDegree)
	for remaining > 0 {
		var current []string
		for id, degree := range inDegree {
			if degree == 0 {
				current = append(current, id)
			}
		}
		if len(current) == 0 {
			return nil, ErrCircularDependency
		}
		sort.Strings(current)
		for _, id := range current {
			delete(inDegree, id)
			remaining--
			for _, dependent := range dependents[id] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		levels = append(levels, current)
	}
	return levels, nil
}

// criticalPath 返回累计预估耗时最长的依赖链。
func criticalPath(steps []Step, index map[string]*Step) []string {
	terminals := make([]*Step, 0, 1)
	hasDependent := make(map[string]bool, len(steps))
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			hasDependent[dep] = true
		}
	}
	for i := range steps {
		if !hasDependent[steps[i].ID] {
			terminals = append(terminals, &steps[i])
		}
	}
	if len(terminals) == 0 {
		return nil
	}

	memo := make(map[string][]string, len(steps))
	var longest []string
	var maxTime int64 = -1
	for _, terminal := range terminals {
		path := longestPathTo(terminal, index, memo)
		var pathTime int64
		for _, id := range path {
			if step, ok := index[id]; ok {
				pathTime += step.EstimatedTime
			}
		}
		if pathTime > maxTime {
			maxTime = pathTime
			longest = path
		}
	}
	return longest
}

func longestPathTo(step *Step, index map[string]*Step, memo map[string][]string) []string {
	if cached, ok := memo[step.ID]; ok {
		return cached
	}
	if len(step.Dependencies) == 0 {
		path := []string{step.ID}
		memo[step.ID] = path
		return path
	}
	var best []string
	var bestTime int64 = -1
	deps := make([]string, len(step.Dependencies))
	copy(deps, step.Dependencies)
	sort.Strings(deps)
	for _, depID := range deps {
		dep, ok := index[depID]
		if !ok {
			continue
		}
		path := longestPathTo(dep, index, memo)
		var pathTime int64
		for _, id := range path {
			if s, ok := index[id]; ok {
				pathTime += s.EstimatedTime
			}
		}
		if pathTime > bestTime {
			bestTime = pathTime
			best = path
		}
	}
	result := make([]string, 0, len(best)+1)
	result = append(result, best...)
	result = append(result, step.ID)
	memo[step.ID] = result
	return result
}

// parallelGroups 收集每个层级内可并行执行且数量大于一的步骤组。
func parallelGroups(steps []Step, index map[string]*Step, levels [][]string) [][]string {
	var groups [][]string
	for _, level := range levels {
		var group []string
		for _, id := range level {
			if step, ok := index[id]; ok && step.Parallelizable {
				group = append(group, id)
			}
		}
		if len(group) > 1 {
			groups = append(groups, group)
		}
	}
	return groups
}

// totalTime 假设层级串行、层内取最大耗时来估算整体耗时。
func totalTime(index map[string]*Step, levels [][]string) int64 {
	var total int64
	for _, level := range levels {
		var levelMax int64
		for _, id := range level {
			if step, ok := index[id]; ok && step.EstimatedTime > levelMax {
				levelMax = step.EstimatedTime
			}
		}
		total += levelMax
	}
	return total
}

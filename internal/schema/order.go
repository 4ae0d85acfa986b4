package schema

// dependencyOrder performs Kahn's algorithm over the foreign key graph and
// returns entities parents-first. Self-references are not edges. Entities
// left over by a cycle are appended in declaration order.
func dependencyOrder(entities []*Entity) []*Entity {
	inDegree := make(map[string]int, len(entities))
	children := make(map[string][]*Entity)
	for _, e := range entities {
		inDegree[e.ClassName] = 0
	}
	for _, e := range entities {
		seen := make(map[string]bool)
		for _, fk := range e.ForeignKeys {
			if fk.Target == e.ClassName || seen[fk.Target] {
				continue
			}
			seen[fk.Target] = true
			children[fk.Target] = append(children[fk.Target], e)
			inDegree[e.ClassName]++
		}
	}

	var queue []*Entity
	for _, e := range entities {
		if inDegree[e.ClassName] == 0 {
			queue = append(queue, e)
		}
	}

	order := make([]*Entity, 0, len(entities))
	placed := make(map[string]bool, len(entities))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		placed[node.ClassName] = true

		for _, child := range children[node.ClassName] {
			inDegree[child.ClassName]--
			if inDegree[child.ClassName] == 0 {
				queue = append(queue, child)
			}
		}
	}

	for _, e := range entities {
		if !placed[e.ClassName] {
			order = append(order, e)
		}
	}
	return order
}

// Cycles returns the class names that could not be ordered because they sit
// on a dependency cycle between different entities.
func (s *Schema) Cycles() []string {
	pos := make(map[string]int, len(s.ordered))
	for i, e := range s.ordered {
		pos[e.ClassName] = i
	}
	var out []string
	for i, e := range s.ordered {
		for _, fk := range e.ForeignKeys {
			if fk.Target != e.ClassName && pos[fk.Target] > i {
				out = append(out, e.ClassName)
				break
			}
		}
	}
	return out
}

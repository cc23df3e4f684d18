package template

// Layers resolves the stage dependency tree into execution layers.
// Layer i+1 may start only after every stage of layer i finished.
// Stages inside one layer have no ordering between them; declaration
// order is kept as the tie-break.
//
// The algorithm repeatedly peels stages whose dependencies are already
// placed. Validated templates cannot cycle, but a non-progress pass is
// still reported as a template error instead of looping forever.
func (t *PipelineTemplate) Layers() ([][]Stage, error) {
	total := t.Stages.Len()
	placed := make(map[string]bool, total)
	var layers [][]Stage

	for len(placed) < total {
		var layer []Stage
		for _, name := range t.Stages.Names() {
			if placed[name] {
				continue
			}
			st, _ := t.Stages.Get(name)
			ready := true
			for _, dep := range st.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, st)
			}
		}
		if len(layer) == 0 {
			return nil, &Error{Problems: []string{"stage dependencies cannot be resolved"}}
		}
		// Mark after the full pass so same-layer stages never satisfy
		// each other's dependencies.
		for _, st := range layer {
			placed[st.Name] = true
		}
		layers = append(layers, layer)
	}

	return layers, nil
}

package mqttloop

// MaxCallbackArgs is the largest number of arguments a Callback can bind.
const MaxCallbackArgs = 6

// Callback is a function reference together with up to six bound
// arguments. It is a plain value: copying it copies the arguments, and the
// zero value is the unset sentinel. Pointers among the arguments are not
// owned by the callback.
type Callback struct {
	call  func(args *[MaxCallbackArgs]any) Status
	args  [MaxCallbackArgs]any
	arity int
}

// NoCallback is the unset sentinel.
var NoCallback = Callback{}

// Bind0 binds a function without arguments.
func Bind0(fn func() Status) Callback {
	return Callback{
		call: func(*[MaxCallbackArgs]any) Status { return fn() },
	}
}

// Bind1 binds a function and one argument.
func Bind1[A any](fn func(A) Status, a A) Callback {
	return Callback{
		call: func(args *[MaxCallbackArgs]any) Status {
			return fn(arg[A](args, 0))
		},
		args:  [MaxCallbackArgs]any{a},
		arity: 1,
	}
}

// Bind2 binds a function and two arguments.
func Bind2[A, B any](fn func(A, B) Status, a A, b B) Callback {
	return Callback{
		call: func(args *[MaxCallbackArgs]any) Status {
			return fn(arg[A](args, 0), arg[B](args, 1))
		},
		args:  [MaxCallbackArgs]any{a, b},
		arity: 2,
	}
}

// Bind3 binds a function and three arguments.
func Bind3[A, B, C any](fn func(A, B, C) Status, a A, b B, c C) Callback {
	return Callback{
		call: func(args *[MaxCallbackArgs]any) Status {
			return fn(arg[A](args, 0), arg[B](args, 1), arg[C](args, 2))
		},
		args:  [MaxCallbackArgs]any{a, b, c},
		arity: 3,
	}
}

// Bind4 binds a function and four arguments.
func Bind4[A, B, C, D any](fn func(A, B, C, D) Status, a A, b B, c C, d D) Callback {
	return Callback{
		call: func(args *[MaxCallbackArgs]any) Status {
			return fn(arg[A](args, 0), arg[B](args, 1), arg[C](args, 2), arg[D](args, 3))
		},
		args:  [MaxCallbackArgs]any{a, b, c, d},
		arity: 4,
	}
}

// Bind5 binds a function and five arguments.
func Bind5[A, B, C, D, E any](fn func(A, B, C, D, E) Status, a A, b B, c C, d D, e E) Callback {
	return Callback{
		call: func(args *[MaxCallbackArgs]any) Status {
			return fn(arg[A](args, 0), arg[B](args, 1), arg[C](args, 2), arg[D](args, 3), arg[E](args, 4))
		},
		args:  [MaxCallbackArgs]any{a, b, c, d, e},
		arity: 5,
	}
}

// Bind6 binds a function and six arguments.
func Bind6[A, B, C, D, E, F any](fn func(A, B, C, D, E, F) Status, a A, b B, c C, d D, e E, f F) Callback {
	return Callback{
		call: func(args *[MaxCallbackArgs]any) Status {
			return fn(arg[A](args, 0), arg[B](args, 1), arg[C](args, 2), arg[D](args, 3), arg[E](args, 4), arg[F](args, 5))
		},
		args:  [MaxCallbackArgs]any{a, b, c, d, e, f},
		arity: 6,
	}
}

// arg returns the bound argument at i, or the zero value of T when the slot
// holds nil (a nil pointer or interface bound at construction).
func arg[T any](args *[MaxCallbackArgs]any, i int) T {
	v, _ := args[i].(T)
	return v
}

// IsSet reports whether the callback holds a function.
func (c Callback) IsSet() bool { return c.call != nil }

// Arity returns the number of bound arguments.
func (c Callback) Arity() int { return c.arity }

// Arg returns the bound argument at position i.
func (c Callback) Arg(i int) any {
	if i < 0 || i >= c.arity {
		return nil
	}
	return c.args[i]
}

// SetArg replaces the bound argument at position i. The new value must
// have the type the callback was bound with; a mismatched value is passed
// to the function as the zero value of that type.
func (c *Callback) SetArg(i int, v any) Status {
	if i < 0 || i >= c.arity {
		return StatusInvalidParameter
	}
	c.args[i] = v
	return StatusOK
}

// Reset returns the callback to the unset sentinel.
func (c *Callback) Reset() { *c = Callback{} }

// Invoke calls the function with its bound arguments.
func (c Callback) Invoke() Status {
	if c.call == nil {
		return StatusInvalidParameter
	}
	args := c.args
	return c.call(&args)
}
